package marking

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/mcules/vidi-runtime/internal/tool"
)

// Marking is the result of running one tool against one sample.
type Marking struct {
	Tool       string
	Kind       tool.Kind
	Result     Result
	Duration   time.Duration
	Stamp      tool.Stamp
	Devices    []int
	ComputedAt time.Time
}

// wireMarking is the JSON shape. Exactly one of the result fields is set,
// selected by ResultKind.
type wireMarking struct {
	Tool       string     `json:"tool"`
	Kind       tool.Kind  `json:"kind"`
	ResultKind ResultKind `json:"result_kind"`
	Matches    *MatchSet  `json:"match_set,omitempty"`
	Regions    *RegionSet `json:"region_set,omitempty"`
	Heat       *HeatMap   `json:"heat_map,omitempty"`
	DurationMs float64    `json:"duration_ms"`
	Stamp      tool.Stamp `json:"stamp"`
	Devices    []int      `json:"devices"`
	ComputedAt time.Time  `json:"computed_at"`
}

func (m Marking) MarshalJSON() ([]byte, error) {
	w := wireMarking{
		Tool:       m.Tool,
		Kind:       m.Kind,
		DurationMs: float64(m.Duration) / float64(time.Millisecond),
		Stamp:      m.Stamp,
		Devices:    m.Devices,
		ComputedAt: m.ComputedAt,
	}
	switch r := m.Result.(type) {
	case MatchSet:
		w.ResultKind, w.Matches = r.Kind(), &r
	case RegionSet:
		w.ResultKind, w.Regions = r.Kind(), &r
	case HeatMap:
		w.ResultKind, w.Heat = r.Kind(), &r
	case nil:
	default:
		return nil, fmt.Errorf("marking %s: unknown result type %T", m.Tool, m.Result)
	}
	return json.Marshal(w)
}

func (m *Marking) UnmarshalJSON(data []byte) error {
	var w wireMarking
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Marking{
		Tool:       w.Tool,
		Kind:       w.Kind,
		Duration:   time.Duration(w.DurationMs * float64(time.Millisecond)),
		Stamp:      w.Stamp,
		Devices:    w.Devices,
		ComputedAt: w.ComputedAt,
	}
	switch w.ResultKind {
	case KindMatchSet:
		if w.Matches == nil {
			return fmt.Errorf("marking %s: missing %s", w.Tool, w.ResultKind)
		}
		m.Result = *w.Matches
	case KindRegionSet:
		if w.Regions == nil {
			return fmt.Errorf("marking %s: missing %s", w.Tool, w.ResultKind)
		}
		m.Result = *w.Regions
	case KindHeatMap:
		if w.Heat == nil {
			return fmt.Errorf("marking %s: missing %s", w.Tool, w.ResultKind)
		}
		m.Result = *w.Heat
	case "":
	default:
		return fmt.Errorf("marking %s: unknown result kind %q", w.Tool, w.ResultKind)
	}
	return nil
}

func (m Marking) clone() Marking {
	m.Stamp = slices.Clone(m.Stamp)
	m.Devices = slices.Clone(m.Devices)
	return m
}
