package simulation

import (
	"path/filepath"
	"testing"

	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/simpkg/reference"
	"simularium/broker/internal/trajcache"
)

func newTestSim(t *testing.T, pkgs ...simpkg.SimPkg) (*Simulation, *trajcache.Cache) {
	t.Helper()
	cache := trajcache.New(t.TempDir(), nil)
	return New(cache, pkgs...), cache
}

func TestResetLiveThenRunTimeStepAppendsFrames(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 2})
	sim, cache := newTestSim(t, pkg)

	if err := sim.ResetLive("live"); err != nil {
		t.Fatalf("ResetLive: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := sim.RunTimeStep(1000); err != nil {
			t.Fatalf("RunTimeStep: %v", err)
		}
	}
	if n := cache.NumFrames("live"); n != 5 {
		t.Fatalf("expected 5 frames appended, got %d", n)
	}
}

func TestPrerunBuildsCompleteCache(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 3, TotalFrames: 8})
	sim, cache := newTestSim(t, pkg)

	if err := sim.Prerun("prerun", 500, 8); err != nil {
		t.Fatalf("Prerun: %v", err)
	}
	if n := cache.NumFrames("prerun"); n != 8 {
		t.Fatalf("expected 8 frames after prerun, got %d", n)
	}
}

func TestGetClosestFrameNumberForTimeUsesMetadataWhenPresent(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 10})
	sim, _ := newTestSim(t, pkg)
	if err := sim.Prerun("prerun", 2.0, 10); err != nil {
		t.Fatalf("Prerun: %v", err)
	}

	frame, err := sim.GetClosestFrameNumberForTime("prerun", 9.0)
	if err != nil {
		t.Fatalf("GetClosestFrameNumberForTime: %v", err)
	}
	if frame != 4 {
		t.Fatalf("expected frame 4 (floor(9/2)), got %d", frame)
	}
}

func TestGetClosestFrameNumberForTimeClampsToLastFrame(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 5})
	sim, _ := newTestSim(t, pkg)
	if err := sim.Prerun("prerun", 1.0, 5); err != nil {
		t.Fatalf("Prerun: %v", err)
	}

	frame, err := sim.GetClosestFrameNumberForTime("prerun", 9999)
	if err != nil {
		t.Fatalf("GetClosestFrameNumberForTime: %v", err)
	}
	if frame != 4 {
		t.Fatalf("expected clamp to last frame (4), got %d", frame)
	}
}

func TestGetClosestFrameNumberForTimeNegativeReturnsZero(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 5})
	sim, _ := newTestSim(t, pkg)
	frame, err := sim.GetClosestFrameNumberForTime("prerun", -10)
	if err != nil {
		t.Fatalf("GetClosestFrameNumberForTime: %v", err)
	}
	if frame != 0 {
		t.Fatalf("expected 0 for negative time, got %d", frame)
	}
}

func TestGetSimulationTimeAtFrameIsInverseOfFrameLookup(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 10})
	sim, _ := newTestSim(t, pkg)
	if err := sim.Prerun("prerun", 2.0, 10); err != nil {
		t.Fatalf("Prerun: %v", err)
	}

	timeNs, err := sim.GetSimulationTimeAtFrame("prerun", 4)
	if err != nil {
		t.Fatalf("GetSimulationTimeAtFrame: %v", err)
	}
	if timeNs != 8.0 {
		t.Fatalf("expected time 8.0, got %v", timeNs)
	}
}

func TestLoadTrajectoryFileSelectsMatchingSimPkg(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 2, TotalFrames: 3})
	sim, _ := newTestSim(t, pkg)

	rawPath := filepath.Join(t.TempDir(), "demo.ring")
	props, err := sim.LoadTrajectoryFile("demo", rawPath)
	if err != nil {
		t.Fatalf("LoadTrajectoryFile: %v", err)
	}
	if props.FileName != "demo.ring" {
		t.Fatalf("unexpected props: %+v", props)
	}
}

func TestLoadTrajectoryFileNoMatchingPkgErrors(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1})
	sim, _ := newTestSim(t, pkg)
	if _, err := sim.LoadTrajectoryFile("demo", "demo.unknown"); err == nil {
		t.Fatalf("expected error when no SimPkg can load the file")
	}
}
