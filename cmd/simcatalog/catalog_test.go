package main

import (
	"os"
	"path/filepath"
	"testing"

	"simularium/broker/internal/trajfile"
)

func TestListCollectsSidecarsAndFrameCounts(t *testing.T) {
	dir := t.TempDir()

	infoPath := filepath.Join(dir, "alpha_info")
	info := `{"version":3,"fileName":"alpha.simularium","totalSteps":10,"timeStepSize":1e-9,"spatialUnitFactorMeters":1,"size":{"X":0,"Y":0,"Z":0},"typeMapping":{}}`
	if err := os.WriteFile(infoPath, []byte(info), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cachePath := filepath.Join(dir, "alpha_cache")
	file, err := trajfile.Create(cachePath, 16)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := file.WriteFrame(trajfile.Frame{FrameNumber: 0, TimeNs: 0}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := file.WriteFrame(trajfile.Frame{FrameNumber: 1, TimeNs: 1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := file.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := List(dir, 16)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected single entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.TrajID != "alpha" {
		t.Fatalf("unexpected trajID: %q", entry.TrajID)
	}
	if entry.FileName != "alpha.simularium" || entry.TotalSteps != 10 {
		t.Fatalf("unexpected sidecar fields: %+v", entry)
	}
	if entry.SavedFrames != 2 {
		t.Fatalf("expected 2 saved frames, got %d", entry.SavedFrames)
	}

	payload, err := MarshalEntries(entries)
	if err != nil {
		t.Fatalf("MarshalEntries: %v", err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected JSON payload to be non-empty")
	}
}

func TestListRequiresExistingDirectory(t *testing.T) {
	if _, err := List("", 16); err == nil {
		t.Fatalf("expected error for empty root")
	}
	if _, err := List(filepath.Join(t.TempDir(), "missing"), 16); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
