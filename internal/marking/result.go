package marking

import (
	"github.com/mcules/vidi-runtime/internal/imaging"
)

type ResultKind string

const (
	KindMatchSet  ResultKind = "match_set"
	KindRegionSet ResultKind = "region_set"
	KindHeatMap   ResultKind = "heat_map"
)

// Result is a closed union: MatchSet, RegionSet or HeatMap. Consumers
// switch on the concrete type.
type Result interface {
	Kind() ResultKind
	// ViewCount is the number of ROI views the result covers.
	ViewCount() int
	isResult()
}

// Match is one located feature. Label carries the decoded feature text
// when the backend reads one; it is empty otherwise.
type Match struct {
	Rect  imaging.Rect `json:"rect"`
	Score float64      `json:"score"`
	Label string       `json:"label,omitempty"`
}

type MatchView struct {
	Rect    imaging.Rect `json:"rect"`
	Matches []Match      `json:"matches"`
}

type MatchSet struct {
	Views []MatchView `json:"views"`
}

func (MatchSet) Kind() ResultKind { return KindMatchSet }
func (m MatchSet) ViewCount() int { return len(m.Views) }
func (MatchSet) isResult() {}

type Region struct {
	Rect  imaging.Rect `json:"rect"`
	Tag   string       `json:"tag"`
	Score float64      `json:"score"`
}

type RegionSet struct {
	Regions []Region `json:"regions"`
}

func (RegionSet) Kind() ResultKind { return KindRegionSet }
func (r RegionSet) ViewCount() int { return len(r.Regions) }
func (RegionSet) isResult() {}

// HeatView holds per-pixel deviation for one view, row-major over Rect.
type HeatView struct {
	Rect      imaging.Rect `json:"rect"`
	Values    []float32    `json:"values"`
	Score     float64      `json:"score"`
	Threshold [2]float64   `json:"threshold"`
	Defective bool         `json:"defective"`
}

type HeatMap struct {
	Views []HeatView `json:"views"`
}

func (HeatMap) Kind() ResultKind { return KindHeatMap }
func (h HeatMap) ViewCount() int { return len(h.Views) }
func (HeatMap) isResult() {}

// Regions returns the rectangles a downstream tool with an upstream ROI
// should look at: every match, every classified region, every defective
// heat view.
func Regions(r Result) []imaging.Rect {
	var out []imaging.Rect
	switch v := r.(type) {
	case MatchSet:
		for _, view := range v.Views {
			for _, m := range view.Matches {
				out = append(out, m.Rect)
			}
		}
	case RegionSet:
		for _, reg := range v.Regions {
			out = append(out, reg.Rect)
		}
	case HeatMap:
		for _, view := range v.Views {
			if view.Defective {
				out = append(out, view.Rect)
			}
		}
	case nil:
	default:
		panic("marking: unknown result type")
	}
	return out
}

// Score summarizes a result as the best score over its views.
func Score(r Result) float64 {
	var best float64
	switch v := r.(type) {
	case MatchSet:
		for _, view := range v.Views {
			for _, m := range view.Matches {
				best = max(best, m.Score)
			}
		}
	case RegionSet:
		for _, reg := range v.Regions {
			best = max(best, reg.Score)
		}
	case HeatMap:
		for _, view := range v.Views {
			best = max(best, view.Score)
		}
	case nil:
	default:
		panic("marking: unknown result type")
	}
	return best
}
