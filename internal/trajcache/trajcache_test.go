package trajcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/simpkg/reference"
	"simularium/broker/internal/trajfile"
)

func sampleProps() simpkg.TrajectoryFileProperties {
	return simpkg.TrajectoryFileProperties{
		FileName:                "demo.ring",
		NumberOfFrames:          5,
		TimeStepSize:            2000,
		SpatialUnitFactorMeters: 1,
		Size:                    simpkg.Vector3{X: 20, Y: 20, Z: 1},
		TypeMapping: map[uint32]simpkg.TypeInfo{
			0: {Name: "ring-agent", Geometry: &simpkg.Geometry{DisplayType: "SPHERE", Color: "#00ff00"}},
		},
		TimeUnits:    &simpkg.UnitLabel{Magnitude: 1, Name: "ns"},
		SpatialUnits: &simpkg.UnitLabel{Magnitude: 1, Name: "nm"},
	}
}

func TestSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "demo_info")
	want := sampleProps()
	if err := writeSidecar(path, want); err != nil {
		t.Fatalf("writeSidecar: %v", err)
	}
	got, err := readSidecar(path)
	if err != nil {
		t.Fatalf("readSidecar: %v", err)
	}
	if got.FileName != want.FileName || got.NumberOfFrames != want.NumberOfFrames {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if len(got.TypeMapping) != len(want.TypeMapping) {
		t.Fatalf("type mapping mismatch: got %v want %v", got.TypeMapping, want.TypeMapping)
	}
	if got.TypeMapping[0].Name != "ring-agent" {
		t.Fatalf("type mapping name lost: %+v", got.TypeMapping[0])
	}
}

func TestReadSidecarMissingRequiredKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken_info")
	if err := os.WriteFile(path, []byte(`{"version":3,"fileName":"x"}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := readSidecar(path); err == nil {
		t.Fatalf("expected error for sidecar missing required keys")
	}
}

func TestDeleteTmpFilesRemovesMarked(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)
	tmp := filepath.Join(dir, "raw.simularium")
	if err := os.WriteFile(tmp, []byte("{}"), 0o644); err != nil {
		t.Fatalf("seed tmp file: %v", err)
	}
	c.MarkTmpFiles("demo", tmp)
	removed := c.DeleteTmpFiles("demo")
	if len(removed) != 1 || removed[0] != tmp {
		t.Fatalf("unexpected removed set: %v", removed)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Fatalf("expected tmp file to be gone, stat err=%v", err)
	}
}

func TestDeleteTmpFilesToleratesAlreadyGone(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, nil)
	c.MarkTmpFiles("demo", filepath.Join(dir, "missing"))
	removed := c.DeleteTmpFiles("demo")
	if len(removed) != 1 {
		t.Fatalf("expected already-missing file still reported removed, got %v", removed)
	}
}

// fakeStore is an in-memory ObjectStore used to exercise the prepare
// pipeline's fallback ordering without a real S3 backend.
type fakeStore struct {
	objects map[string][]byte
}

func newFakeStore() *fakeStore { return &fakeStore{objects: make(map[string][]byte)} }

func (f *fakeStore) Download(ctx context.Context, key, path string) (bool, error) {
	data, ok := f.objects[key]
	if !ok {
		return false, nil
	}
	return true, os.WriteFile(path, data, 0o644)
}

func (f *fakeStore) Upload(ctx context.Context, path, key string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	f.objects[key] = data
	return true, nil
}

func TestBuildCacheThenUploadThenDownloadRuntimeCache(t *testing.T) {
	dir := t.TempDir()
	store := newFakeStore()
	c := New(dir, nil, WithObjectStore(store))

	pkg := reference.New(reference.Config{AgentCount: 3, TotalFrames: 4})
	rawPath := filepath.Join(dir, "demo.ring")
	if err := os.WriteFile(rawPath, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("seed raw file: %v", err)
	}
	if err := c.BuildCache("demo", pkg, rawPath); err != nil {
		t.Fatalf("BuildCache: %v", err)
	}
	if n := c.NumFrames("demo"); n != 4 {
		t.Fatalf("expected 4 frames after build, got %d", n)
	}

	ctx := context.Background()
	if err := c.UploadRuntimeCache(ctx, "demo"); err != nil {
		t.Fatalf("UploadRuntimeCache: %v", err)
	}
	if _, ok := store.objects["demo_cache"]; !ok {
		t.Fatalf("expected demo_cache uploaded")
	}
	if _, ok := store.objects["demo_info"]; !ok {
		t.Fatalf("expected demo_info uploaded")
	}

	// A fresh cache instance should be able to hydrate purely from the
	// object store, without rebuilding through a SimPkg.
	c2 := New(t.TempDir(), nil, WithObjectStore(store))
	ok, err := c2.DownloadRuntimeCache(ctx, "demo")
	if err != nil {
		t.Fatalf("DownloadRuntimeCache: %v", err)
	}
	if !ok {
		t.Fatalf("expected DownloadRuntimeCache to find uploaded artifacts")
	}
	if n := c2.NumFrames("demo"); n != 4 {
		t.Fatalf("expected 4 frames after download, got %d", n)
	}
}

func TestDownloadRuntimeCacheMissReturnsFalseNoError(t *testing.T) {
	c := New(t.TempDir(), nil, WithObjectStore(newFakeStore()))
	ok, err := c.DownloadRuntimeCache(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected nil error on cache miss, got %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false on cache miss")
	}
}

func TestFindFileFallsBackToObjectStore(t *testing.T) {
	store := newFakeStore()
	store.objects["demo.ring"] = []byte("remote bytes")
	c := New(t.TempDir(), nil, WithObjectStore(store))
	if !c.FindFile(context.Background(), "demo.ring") {
		t.Fatalf("expected FindFile to download from object store")
	}
	if !c.FindFile(context.Background(), "demo.ring") {
		t.Fatalf("expected FindFile to find the now-local copy without the store")
	}
}

// fakeReader converts any input into a two-frame trajectory, used to
// exercise FindSimulariumFile without a real JSON trajectory parser.
type fakeReader struct{}

func (fakeReader) Convert(path string) ([]trajfile.Frame, simpkg.TrajectoryFileProperties, error) {
	frames := []trajfile.Frame{
		{FrameNumber: 0, TimeNs: 0, Agents: []trajfile.AgentData{{VisType: 1000, ID: 0, TypeID: 0}}},
		{FrameNumber: 1, TimeNs: 100, Agents: []trajfile.AgentData{{VisType: 1000, ID: 0, TypeID: 0}}},
	}
	return frames, simpkg.TrajectoryFileProperties{FileName: "demo.simularium", NumberOfFrames: 2}, nil
}

func TestFindSimulariumFileConvertsAndRegisters(t *testing.T) {
	store := newFakeStore()
	store.objects["demo.simularium"] = []byte(`{"trajectoryInfo":{}}`)
	c := New(t.TempDir(), nil, WithObjectStore(store), WithSimulariumReader(fakeReader{}))
	ok, err := c.FindSimulariumFile(context.Background(), "demo", "demo")
	if err != nil {
		t.Fatalf("FindSimulariumFile: %v", err)
	}
	if !ok {
		t.Fatalf("expected conversion to succeed")
	}
	if n := c.NumFrames("demo"); n != 2 {
		t.Fatalf("expected 2 converted frames registered, got %d", n)
	}
}
