package tool

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mcules/vidi-runtime/internal/imaging"
)

type Kind string

const (
	// KindLocate finds feature matches (root detector).
	KindLocate Kind = "locate"
	// KindClassify tags each region (region classifier).
	KindClassify Kind = "classify"
	// KindAnalyze scores per-pixel deviation (defect analyzer).
	KindAnalyze Kind = "analyze"
)

func (k Kind) Valid() bool {
	switch k {
	case KindLocate, KindClassify, KindAnalyze:
		return true
	}
	return false
}

// Splittable reports whether one execution can be spread over several
// devices.
func (k Kind) Splittable() bool {
	return k == KindLocate || k == KindAnalyze
}

// Parameter names understood by the reference executor.
const (
	ParamFeatureSize = "feature_size"
	ParamThreshold   = "threshold"
)

func defaultParams(k Kind) []Parameter {
	switch k {
	case KindLocate:
		return []Parameter{
			{Name: ParamFeatureSize, Values: []float64{16, 16}},
			{Name: ParamThreshold, Values: []float64{0.5}},
		}
	case KindClassify:
		return []Parameter{{Name: ParamThreshold, Values: []float64{0.5}}}
	case KindAnalyze:
		return []Parameter{{Name: ParamThreshold, Values: []float64{0.3, 0.6}}}
	}
	return nil
}

type Parameter struct {
	Name    string    `json:"name"`
	Values  []float64 `json:"values"`
	Version uint64    `json:"version"`
}

// Spec is the declarative form of a tool, used to build streams and to
// persist them.
type Spec struct {
	Name     string      `json:"name"`
	Kind     Kind        `json:"kind"`
	Upstream []string    `json:"upstream,omitempty"`
	Params   []Parameter `json:"params,omitempty"`
	ROI      ROISpec     `json:"roi"`
}

// Tool is one stage of a stream. All mutators bump a per-field version
// counter only when the stored value actually changes.
type Tool struct {
	mu       sync.RWMutex
	id       string
	name     string
	kind     Kind
	upstream []string
	params   []Parameter
	roi      ROI
}

var errEmptyName = errors.New("tool name is empty")

func New(spec Spec) (*Tool, error) {
	if spec.Name == "" {
		return nil, errEmptyName
	}
	if !spec.Kind.Valid() {
		return nil, fmt.Errorf("tool %s: unknown kind %q", spec.Name, spec.Kind)
	}

	t := &Tool{
		id:       uuid.NewString(),
		name:     spec.Name,
		kind:     spec.Kind,
		upstream: slices.Clone(spec.Upstream),
		params:   defaultParams(spec.Kind),
	}
	for _, p := range spec.Params {
		if _, err := t.setParameterLocked(p.Name, p.Values); err != nil {
			return nil, fmt.Errorf("tool %s: %w", spec.Name, err)
		}
	}

	roi, err := newROI(spec.ROI)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", spec.Name, err)
	}
	if roi.Source != "" && !slices.Contains(t.upstream, roi.Source) {
		t.upstream = append(t.upstream, roi.Source)
	}
	if slices.Contains(t.upstream, t.name) {
		return nil, fmt.Errorf("tool %s references itself", spec.Name)
	}
	t.roi = roi
	return t, nil
}

func (t *Tool) ID() string   { return t.id }
func (t *Tool) Name() string { return t.name }
func (t *Tool) Kind() Kind   { return t.kind }

func (t *Tool) Upstream() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.upstream)
}

func (t *Tool) Parameter(name string) (Parameter, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.params {
		if p.Name == name {
			return cloneParam(p), true
		}
	}
	return Parameter{}, false
}

func (t *Tool) Parameters() []Parameter {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return cloneParams(t.params)
}

// SetParameter stores values under name, adding the parameter if needed.
// It reports whether the stored value changed.
func (t *Tool) SetParameter(name string, values ...float64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setParameterLocked(name, values)
}

func (t *Tool) setParameterLocked(name string, values []float64) (bool, error) {
	if name == "" {
		return false, errors.New("parameter name is empty")
	}
	if len(values) == 0 {
		return false, fmt.Errorf("parameter %s: no values", name)
	}
	for i := range t.params {
		if t.params[i].Name != name {
			continue
		}
		if slices.Equal(t.params[i].Values, values) {
			return false, nil
		}
		t.params[i].Values = slices.Clone(values)
		t.params[i].Version++
		return true, nil
	}
	t.params = append(t.params, Parameter{Name: name, Values: slices.Clone(values), Version: 1})
	return true, nil
}

// SetMask replaces the ROI mask. nil clears it. Masks compare by value.
func (t *Tool) SetMask(mask *imaging.Image) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if imaging.Equal(t.roi.Mask, mask) {
		return false
	}
	t.roi.Mask = mask
	t.roi.MaskVersion++
	return true
}

// SetRect restricts the ROI to r. A zero Rect means the whole image.
func (t *Tool) SetRect(r imaging.Rect) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roi.Rect == r {
		return false
	}
	t.roi.Rect = r
	t.roi.RectVersion++
	return true
}

// SetSplittingGrid divides the ROI into cols x rows views.
func (t *Tool) SetSplittingGrid(g Grid) (bool, error) {
	if g.Cols < 1 || g.Rows < 1 {
		return false, fmt.Errorf("invalid splitting grid %dx%d", g.Cols, g.Rows)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.roi.Grid == g {
		return false, nil
	}
	t.roi.Grid = g
	t.roi.GridVersion++
	return true, nil
}

// SetSource derives the ROI from an upstream tool's result, or makes it
// manual again when source is empty. The source must already be an
// upstream of t.
func (t *Tool) SetSource(source string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if source != "" && !slices.Contains(t.upstream, source) {
		return false, fmt.Errorf("roi source %s is not an upstream of %s", source, t.name)
	}
	if t.roi.Source == source {
		return false, nil
	}
	t.roi.Source = source
	if source == "" {
		t.roi.Kind = ROIManual
	} else {
		t.roi.Kind = ROIUpstream
	}
	t.roi.SourceVersion++
	return true, nil
}

// Revision is the sum of every field version; it only ever grows.
func (t *Tool) Revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.revisionLocked()
}

func (t *Tool) revisionLocked() uint64 {
	var rev uint64
	for _, p := range t.params {
		rev += p.Version
	}
	return rev + t.roi.version()
}

// Snapshot is a consistent copy of a tool taken under its lock.
type Snapshot struct {
	ID       string
	Name     string
	Kind     Kind
	Upstream []string
	Params   []Parameter
	ROI      ROI
	Revision uint64
}

func (t *Tool) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		ID:       t.id,
		Name:     t.name,
		Kind:     t.kind,
		Upstream: slices.Clone(t.upstream),
		Params:   cloneParams(t.params),
		ROI:      t.roi,
		Revision: t.revisionLocked(),
	}
}

// Values returns the named parameter values, or def when missing.
func (s Snapshot) Values(name string, def ...float64) []float64 {
	for _, p := range s.Params {
		if p.Name == name {
			return p.Values
		}
	}
	return def
}

// Spec returns the current declarative form of t.
func (t *Tool) Spec() Spec {
	s := t.Snapshot()
	return Spec{
		Name:     s.Name,
		Kind:     s.Kind,
		Upstream: s.Upstream,
		Params:   s.Params,
		ROI:      s.ROI.Spec(),
	}
}

func cloneParam(p Parameter) Parameter {
	p.Values = slices.Clone(p.Values)
	return p
}

func cloneParams(in []Parameter) []Parameter {
	out := make([]Parameter, len(in))
	for i, p := range in {
		out[i] = cloneParam(p)
	}
	return out
}
