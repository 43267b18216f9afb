package reference

import (
	"math"
	"testing"
)

func TestNewAppliesDefaults(t *testing.T) {
	p := New(Config{})
	if p.cfg.AgentCount != 12 {
		t.Fatalf("expected default agent count 12, got %d", p.cfg.AgentCount)
	}
	if p.cfg.RingRadius != 10 {
		t.Fatalf("expected default ring radius 10, got %v", p.cfg.RingRadius)
	}
	if p.cfg.AngularStepNs != 0.0005 {
		t.Fatalf("expected default angular step, got %v", p.cfg.AngularStepNs)
	}
}

func TestRunTimeStepAdvancesFrameNumberAndAgents(t *testing.T) {
	p := New(Config{AgentCount: 4, RingRadius: 2, AngularStepNs: 1})

	frame, err := p.RunTimeStep(1)
	if err != nil {
		t.Fatalf("RunTimeStep: %v", err)
	}
	if frame.FrameNumber != 0 {
		t.Fatalf("expected first frame number 0, got %d", frame.FrameNumber)
	}
	if len(frame.Agents) != 4 {
		t.Fatalf("expected 4 agents, got %d", len(frame.Agents))
	}

	second, err := p.RunTimeStep(1)
	if err != nil {
		t.Fatalf("RunTimeStep: %v", err)
	}
	if second.FrameNumber != 1 {
		t.Fatalf("expected second frame number 1, got %d", second.FrameNumber)
	}

	for _, agent := range frame.Agents {
		dist := math.Hypot(float64(agent.X), float64(agent.Y))
		if math.Abs(dist-2) > 1e-4 {
			t.Fatalf("expected agent on ring radius 2, got distance %v", dist)
		}
	}
}

func TestInitAgentsOverridesConfigFromModel(t *testing.T) {
	p := New(Config{AgentCount: 4, RingRadius: 2})
	if err := p.InitAgents([]byte(`{"agent_count":8,"ring_radius":5}`)); err != nil {
		t.Fatalf("InitAgents: %v", err)
	}
	if p.cfg.AgentCount != 8 {
		t.Fatalf("expected agent count 8, got %d", p.cfg.AgentCount)
	}
	if p.cfg.RingRadius != 5 {
		t.Fatalf("expected ring radius 5, got %v", p.cfg.RingRadius)
	}
}

func TestInitAgentsIgnoresEmptyPayload(t *testing.T) {
	p := New(Config{AgentCount: 4})
	if err := p.InitAgents(nil); err != nil {
		t.Fatalf("InitAgents with nil payload: %v", err)
	}
	if p.cfg.AgentCount != 4 {
		t.Fatalf("expected agent count unchanged, got %d", p.cfg.AgentCount)
	}
}

func TestInitAgentsRejectsInvalidJSON(t *testing.T) {
	p := New(Config{})
	if err := p.InitAgents([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid model-definition JSON")
	}
}

func TestUpdateParameterRecognizedNames(t *testing.T) {
	p := New(Config{AngularStepNs: 1})
	if err := p.UpdateParameter("angular_step_ns", 2); err != nil {
		t.Fatalf("UpdateParameter: %v", err)
	}
	if p.cfg.AngularStepNs != 2 {
		t.Fatalf("expected angular step 2, got %v", p.cfg.AngularStepNs)
	}
	if err := p.UpdateParameter("unknown_param", 99); err != nil {
		t.Fatalf("UpdateParameter on unknown name should not error: %v", err)
	}
}

func TestRunMarksFinishedAfterNSteps(t *testing.T) {
	p := New(Config{AgentCount: 2, AngularStepNs: 1})
	if p.IsFinished() {
		t.Fatal("expected not finished before Run")
	}
	if err := p.Run(1, 5); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !p.IsFinished() {
		t.Fatal("expected finished after Run")
	}
	if p.frameNumber != 5 {
		t.Fatalf("expected 5 frames produced, got %d", p.frameNumber)
	}
}

func TestGetClosestFrameNumberForTimeClampsToTotalFrames(t *testing.T) {
	p := New(Config{AngularStepNs: 1, TotalFrames: 10})
	frame, err := p.GetClosestFrameNumberForTime(1000)
	if err != nil {
		t.Fatalf("GetClosestFrameNumberForTime: %v", err)
	}
	if frame != 9 {
		t.Fatalf("expected frame clamped to 9, got %d", frame)
	}
	frame, err = p.GetClosestFrameNumberForTime(0)
	if err != nil {
		t.Fatalf("GetClosestFrameNumberForTime: %v", err)
	}
	if frame != 0 {
		t.Fatalf("expected frame 0 for non-positive time, got %d", frame)
	}
}

func TestCanLoadFileMatchesRingExtension(t *testing.T) {
	p := New(Config{})
	if !p.CanLoadFile("demo.ring") {
		t.Fatal("expected .ring file to be loadable")
	}
	if !p.CanLoadFile("DEMO.RING") {
		t.Fatal("expected case-insensitive match")
	}
	if p.CanLoadFile("demo.simularium") {
		t.Fatal("expected non-.ring file to be rejected")
	}
}

func TestLoadTrajectoryFilePopulatesProps(t *testing.T) {
	p := New(Config{RingRadius: 3, TotalFrames: 7, AngularStepNs: 1})
	props, err := p.LoadTrajectoryFile("/tmp/demo.ring")
	if err != nil {
		t.Fatalf("LoadTrajectoryFile: %v", err)
	}
	if props.FileName != "demo.ring" {
		t.Fatalf("unexpected file name: %q", props.FileName)
	}
	if props.NumberOfFrames != 7 {
		t.Fatalf("unexpected frame count: %d", props.NumberOfFrames)
	}
	if props.Size.X != 6 || props.Size.Y != 6 {
		t.Fatalf("unexpected size: %+v", props.Size)
	}
}
