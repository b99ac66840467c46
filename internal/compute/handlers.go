package compute

import (
	"context"
	"fmt"
	"math"

	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/marking"
	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// locate scores tiles of feature_size and reports every tile whose mean
// brightness reaches threshold[0]. Tile rows are the unit of work.
func locate(ctx context.Context, job Job) (marking.Result, error) {
	fs := job.Tool.Values(tool.ParamFeatureSize, 16, 16)
	if len(fs) < 2 || fs[0] < 1 || fs[1] < 1 || fs[0] != math.Trunc(fs[0]) || fs[1] != math.Trunc(fs[1]) {
		return nil, fmt.Errorf("tool %s: feature size %v: %w", job.Tool.Name, fs, vidierr.ErrProcessing)
	}
	// Sizes beyond the image collapse to one tile per view; clamp before
	// converting so huge values cannot overflow int.
	tw := int(min(fs[0], float64(job.Image.Width())))
	th := int(min(fs[1], float64(job.Image.Height())))
	thr := job.Tool.Values(tool.ParamThreshold, 0.5)[0]
	mask := job.Tool.ROI.Mask

	// tiles[v][row] holds the matches of one tile row.
	tiles := make([][][]marking.Match, len(job.Views))
	var units []unit
	for v, r := range job.Views {
		h := min(th, r.H)
		rows := r.H / h
		tiles[v] = make([][]marking.Match, rows)
		for row := 0; row < rows; row++ {
			units = append(units, unit{view: v, row: row, px: r.W * h})
		}
	}

	err := dispatch(ctx, job.Lease, units, func(u unit) {
		r := job.Views[u.view]
		w, h := min(tw, r.W), min(th, r.H)
		y := r.Y + u.row*h
		for x := r.X; x+w <= r.X+r.W; x += w {
			cell := imaging.Rect{X: x, Y: y, W: w, H: h}
			mean, n := meanUnmasked(job.Image, mask, cell)
			if n == 0 {
				continue
			}
			score := mean / 255
			if score >= thr {
				tiles[u.view][u.row] = append(tiles[u.view][u.row], marking.Match{Rect: cell, Score: score})
			}
		}
	})
	if err != nil {
		return nil, err
	}

	out := marking.MatchSet{Views: make([]marking.MatchView, len(job.Views))}
	for v, r := range job.Views {
		mv := marking.MatchView{Rect: r, Matches: []marking.Match{}}
		for _, row := range tiles[v] {
			mv.Matches = append(mv.Matches, row...)
		}
		out.Views[v] = mv
	}
	return out, nil
}

// classify tags each view "bad" when its mean brightness reaches
// threshold[0] and "good" otherwise. A view is the smallest unit, so the
// whole job runs on the first leased device.
func classify(ctx context.Context, job Job) (marking.Result, error) {
	thr := job.Tool.Values(tool.ParamThreshold, 0.5)[0]
	mask := job.Tool.ROI.Mask

	regions := make([]marking.Region, len(job.Views))
	px := 0
	for _, r := range job.Views {
		px += r.Area()
	}
	err := job.Lease.Run(ctx, 0, px, func() error {
		for i, r := range job.Views {
			mean, _ := meanUnmasked(job.Image, mask, r)
			score := mean / 255
			tag := "good"
			if score >= thr {
				tag = "bad"
			}
			regions[i] = marking.Region{Rect: r, Tag: tag, Score: score}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return marking.RegionSet{Regions: regions}, nil
}

// analyze computes |pixel - view mean| / 255 over unmasked pixels. The
// view means are reduced up front so pixel rows can be split across
// devices without changing any value.
func analyze(ctx context.Context, job Job) (marking.Result, error) {
	thr := job.Tool.Values(tool.ParamThreshold, 0.3, 0.6)
	lo, hi := thr[0], thr[0]
	if len(thr) > 1 {
		lo, hi = thr[0], thr[1]
	}
	if lo > hi {
		return nil, fmt.Errorf("tool %s: threshold [%v, %v] is inverted: %w", job.Tool.Name, lo, hi, vidierr.ErrProcessing)
	}
	mask := job.Tool.ROI.Mask

	views := make([]marking.HeatView, len(job.Views))
	means := make([]float64, len(job.Views))
	var units []unit
	for v, r := range job.Views {
		means[v], _ = meanUnmasked(job.Image, mask, r)
		views[v] = marking.HeatView{
			Rect:      r,
			Values:    make([]float32, r.Area()),
			Threshold: [2]float64{lo, hi},
		}
		for row := 0; row < r.H; row++ {
			units = append(units, unit{view: v, row: row, px: r.W})
		}
	}

	err := dispatch(ctx, job.Lease, units, func(u unit) {
		r := job.Views[u.view]
		y := r.Y + u.row
		dst := views[u.view].Values[u.row*r.W : (u.row+1)*r.W]
		for i := range dst {
			x := r.X + i
			if mask != nil && mask.At(x, y) != 0 {
				continue
			}
			dst[i] = float32(math.Abs(float64(job.Image.At(x, y))-means[u.view]) / 255)
		}
	})
	if err != nil {
		return nil, err
	}

	for v := range views {
		var score float64
		for _, val := range views[v].Values {
			score = max(score, float64(val))
		}
		if !finite(score) {
			return nil, fmt.Errorf("tool %s: view %d score is not finite: %w", job.Tool.Name, v, vidierr.ErrNumericInstability)
		}
		views[v].Score = score
		views[v].Defective = score > hi
	}
	return marking.HeatMap{Views: views}, nil
}
