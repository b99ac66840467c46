package tool

import (
	"fmt"

	"github.com/mcules/vidi-runtime/internal/imaging"
)

type ROIKind string

const (
	ROIManual   ROIKind = "manual"
	ROIUpstream ROIKind = "upstream"
)

type Grid struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ROI describes where a tool looks. A manual ROI is Rect (or the whole
// image) split by Grid; an upstream ROI uses the matched regions of Source.
// Mask pixels != 0 are ignored in either case.
type ROI struct {
	Kind   ROIKind
	Source string
	Rect   imaging.Rect
	Grid   Grid
	Mask   *imaging.Image

	SourceVersion uint64
	RectVersion   uint64
	GridVersion   uint64
	MaskVersion   uint64
}

func (r ROI) version() uint64 {
	return r.SourceVersion + r.RectVersion + r.GridVersion + r.MaskVersion
}

type ROISpec struct {
	Source string         `json:"source,omitempty"`
	Rect   imaging.Rect   `json:"rect"`
	Grid   Grid           `json:"grid"`
	Mask   *imaging.Image `json:"-"`
}

func newROI(s ROISpec) (ROI, error) {
	g := s.Grid
	if g.Cols == 0 && g.Rows == 0 {
		g = Grid{Cols: 1, Rows: 1}
	}
	if g.Cols < 1 || g.Rows < 1 {
		return ROI{}, fmt.Errorf("invalid splitting grid %dx%d", g.Cols, g.Rows)
	}
	r := ROI{
		Kind:   ROIManual,
		Source: s.Source,
		Rect:   s.Rect,
		Grid:   g,
		Mask:   s.Mask,
	}
	if s.Source != "" {
		r.Kind = ROIUpstream
	}
	return r, nil
}

func (r ROI) Spec() ROISpec {
	return ROISpec{Source: r.Source, Rect: r.Rect, Grid: r.Grid, Mask: r.Mask}
}
