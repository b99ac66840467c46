package stream

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mcules/vidi-runtime/internal/tool"
	"github.com/mcules/vidi-runtime/internal/vidierr"
)

// diamond: locate -> (left, right) -> analyze, plus an unrelated tool.
func diamond(t *testing.T) *Stream {
	t.Helper()
	s, err := FromSpecs("default", []tool.Spec{
		{Name: "locate", Kind: tool.KindLocate},
		{Name: "left", Kind: tool.KindClassify, Upstream: []string{"locate"}},
		{Name: "right", Kind: tool.KindClassify, ROI: tool.ROISpec{Source: "locate"}},
		{Name: "analyze", Kind: tool.KindAnalyze, Upstream: []string{"left", "right"}},
		{Name: "other", Kind: tool.KindAnalyze},
	})
	if err != nil {
		t.Fatalf("FromSpecs: %v", err)
	}
	return s
}

func planNames(steps []Step) []string {
	out := make([]string, 0, len(steps))
	for _, st := range steps {
		out = append(out, st.Tool.Name)
	}
	return out
}

func TestAdd_Validation(t *testing.T) {
	s := diamond(t)

	if _, err := s.Add(tool.Spec{Name: "left", Kind: tool.KindLocate}); !errors.Is(err, vidierr.ErrExists) {
		t.Errorf("duplicate name: got %v", err)
	}
	if _, err := s.Add(tool.Spec{Name: "x", Kind: tool.KindLocate, Upstream: []string{"missing"}}); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Errorf("missing upstream: got %v", err)
	}
}

func TestAdd_RejectsCycleThroughDanglingReference(t *testing.T) {
	s := diamond(t)
	if err := s.Remove("locate"); err != nil {
		t.Fatal(err)
	}
	_, err := s.Add(tool.Spec{Name: "locate", Kind: tool.KindLocate, Upstream: []string{"left"}})
	if !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestRestore_RoundTripsRemoveAndReadd(t *testing.T) {
	s := diamond(t)
	if err := s.Remove("locate"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Add(tool.Spec{Name: "locate", Kind: tool.KindLocate}); err != nil {
		t.Fatal(err)
	}
	specs := s.Specs()
	if specs[0].Name == "locate" {
		t.Fatalf("re-added tool should be last in insertion order, got %v", s.Names())
	}

	if _, err := FromSpecs("default", specs); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Fatalf("FromSpecs: got %v, want invalid reference", err)
	}
	r, err := Restore("default", specs)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if diff := cmp.Diff(s.Names(), r.Names()); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	steps, err := r.Plan("analyze")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got := planNames(steps); got[0] != "locate" || got[len(got)-1] != "analyze" {
		t.Errorf("plan order = %v", got)
	}
}

func TestRestore_KeepsDanglingReference(t *testing.T) {
	s := diamond(t)
	if err := s.Remove("locate"); err != nil {
		t.Fatal(err)
	}
	r, err := Restore("default", s.Specs())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, err := r.Plan("analyze"); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Errorf("Plan: got %v, want invalid reference", err)
	}
}

func TestRestore_Validation(t *testing.T) {
	_, err := Restore("default", []tool.Spec{
		{Name: "a", Kind: tool.KindAnalyze, Upstream: []string{"b"}},
		{Name: "b", Kind: tool.KindAnalyze, Upstream: []string{"a"}},
	})
	if !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Errorf("cycle: got %v", err)
	}
	_, err = Restore("default", []tool.Spec{
		{Name: "a", Kind: tool.KindAnalyze},
		{Name: "a", Kind: tool.KindLocate},
	})
	if !errors.Is(err, vidierr.ErrExists) {
		t.Errorf("duplicate: got %v", err)
	}
}

func TestPlan_TopologicalClosure(t *testing.T) {
	s := diamond(t)

	steps, err := s.Plan("analyze")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"locate", "left", "right", "analyze"}, planNames(steps)); diff != "" {
		t.Errorf("plan (-want +got):\n%s", diff)
	}

	all, err := s.Plan("")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"locate", "left", "right", "analyze", "other"}, planNames(all)); diff != "" {
		t.Errorf("full plan (-want +got):\n%s", diff)
	}
}

func TestPlan_StampCoversAncestors(t *testing.T) {
	s := diamond(t)
	steps, _ := s.Plan("analyze")
	last := steps[len(steps)-1].Stamp

	var tools []string
	for _, e := range last {
		tools = append(tools, e.Tool)
	}
	if diff := cmp.Diff([]string{"analyze", "left", "locate", "right"}, tools); diff != "" {
		t.Errorf("stamp tools (-want +got):\n%s", diff)
	}
}

func TestPlan_StampTracksUpstreamMutation(t *testing.T) {
	s := diamond(t)
	before, _ := s.Plan("analyze")

	lt, _ := s.Tool("left")
	_, _ = lt.SetParameter(tool.ParamThreshold, 0.9)

	after, _ := s.Plan("analyze")
	byName := func(steps []Step) map[string]tool.Stamp {
		m := map[string]tool.Stamp{}
		for _, st := range steps {
			m[st.Tool.Name] = st.Stamp
		}
		return m
	}
	b, a := byName(before), byName(after)
	for _, n := range []string{"locate", "right"} {
		if !a[n].Equal(b[n]) {
			t.Errorf("%s stamp changed without a change upstream", n)
		}
	}
	for _, n := range []string{"left", "analyze"} {
		if a[n].Equal(b[n]) {
			t.Errorf("%s stamp did not change", n)
		}
	}
}

func TestPlan_DanglingReference(t *testing.T) {
	s := diamond(t)
	if err := s.Remove("left"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Plan("analyze"); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Fatalf("expected invalid tool reference, got %v", err)
	}
	if _, err := s.Plan("right"); err != nil {
		t.Fatalf("unrelated branch should still plan: %v", err)
	}
	if _, err := s.Plan("missing"); !errors.Is(err, vidierr.ErrInvalidToolReference) {
		t.Fatalf("unknown target: got %v", err)
	}
}

func TestPlan_ReaddedToolGetsNewIdentity(t *testing.T) {
	s := diamond(t)
	before, _ := s.Plan("other")
	_ = s.Remove("other")
	if _, err := s.Add(tool.Spec{Name: "other", Kind: tool.KindAnalyze}); err != nil {
		t.Fatal(err)
	}
	after, _ := s.Plan("other")
	if before[0].Stamp.Equal(after[0].Stamp) {
		t.Error("re-added tool must not match the old stamp")
	}
}
