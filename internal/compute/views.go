package compute

import (
	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/tool"
)

// Views resolves a tool's ROI against an image. A manual ROI yields its
// rectangle (the whole image when unset) split by the grid. An upstream ROI
// yields every region reported by the source result, each split by the
// grid. Regions outside the image are dropped.
func Views(s tool.Snapshot, img *imaging.Image, source marking.Result) []imaging.Rect {
	bounds := img.Bounds()
	grid := s.ROI.Grid

	var areas []imaging.Rect
	switch s.ROI.Kind {
	case tool.ROIUpstream:
		areas = marking.Regions(source)
	default:
		r := bounds
		if !s.ROI.Rect.Empty() {
			r = s.ROI.Rect
		}
		areas = []imaging.Rect{r}
	}

	var out []imaging.Rect
	for _, a := range areas {
		c := a.Intersect(bounds)
		if c.Empty() {
			continue
		}
		out = append(out, c.Split(grid.Cols, grid.Rows)...)
	}
	return out
}
