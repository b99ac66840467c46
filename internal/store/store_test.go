package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mcules/vidi-runtime/internal/imaging"
	"github.com/mcules/vidi-runtime/internal/tool"
)

func sampleDoc(t *testing.T) Doc {
	t.Helper()
	mask := imaging.BorderMask(8, 6, 1)
	return Doc{Streams: []StreamDoc{
		{Name: "default", Tools: []tool.Spec{
			{Name: "locate", Kind: tool.KindLocate, Params: []tool.Parameter{
				{Name: tool.ParamFeatureSize, Values: []float64{8, 8}},
				{Name: tool.ParamThreshold, Values: []float64{0.7}},
			}, ROI: tool.ROISpec{Grid: tool.Grid{Cols: 1, Rows: 1}}},
			{Name: "analyze", Kind: tool.KindAnalyze, Upstream: []string{"locate"}, Params: []tool.Parameter{
				{Name: tool.ParamThreshold, Values: []float64{0.2, 0.4}},
			}, ROI: tool.ROISpec{
				Source: "locate",
				Rect:   imaging.Rect{X: 1, Y: 2, W: 3, H: 4},
				Grid:   tool.Grid{Cols: 2, Rows: 3},
				Mask:   mask,
			}},
		}},
		{Name: "empty"},
	}}
}

var maskByValue = cmp.Comparer(func(a, b *imaging.Image) bool { return imaging.Equal(a, b) })

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws.vrws")

	f, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	want := sampleDoc(t)
	if err := f.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	f, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := f.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(want, got, maskByValue, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip (-want +got):\n%s", diff)
	}
}

func TestSave_Replaces(t *testing.T) {
	ctx := context.Background()
	f, err := Open(filepath.Join(t.TempDir(), "ws.vrws"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	_ = f.Save(ctx, sampleDoc(t))
	if err := f.Save(ctx, Doc{Streams: []StreamDoc{{Name: "only"}}}); err != nil {
		t.Fatal(err)
	}
	got, _ := f.Load(ctx)
	if len(got.Streams) != 1 || got.Streams[0].Name != "only" || len(got.Streams[0].Tools) != 0 {
		t.Errorf("got %+v", got)
	}
}

func TestOpenBytes_RemovesTempFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ws.vrws")
	src, _ := Open(path)
	_ = src.Save(ctx, sampleDoc(t))
	_ = src.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	f, err := OpenBytes(data)
	if err != nil {
		t.Fatal(err)
	}
	doc, err := f.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Streams) != 2 {
		t.Errorf("streams = %d", len(doc.Streams))
	}
	tmp := f.Path()
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("temp file still present: %v", err)
	}
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	k, err := OpenKeys(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer k.Close()

	rec := APIKeyRecord{ID: "id1", Name: "ci", Prefix: "vk-abcd", HashedKey: "h1", CreatedAt: time.Now()}
	if err := k.CreateAPIKey(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, ok, err := k.FindByHash(ctx, "h1")
	if err != nil || !ok || got.ID != "id1" || got.LastUsedAt != nil {
		t.Fatalf("FindByHash = %+v, %v, %v", got, ok, err)
	}
	if err := k.UpdateAPIKeyLastUsed(ctx, "id1"); err != nil {
		t.Fatal(err)
	}
	got, _, _ = k.FindByHash(ctx, "h1")
	if got.LastUsedAt == nil {
		t.Error("last used not recorded")
	}
	if err := k.DeleteAPIKey(ctx, "id1"); err != nil {
		t.Fatal(err)
	}
	if list, _ := k.ListAPIKeys(ctx); len(list) != 0 {
		t.Errorf("keys after delete: %+v", list)
	}
}
