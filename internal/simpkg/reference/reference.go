// Package reference provides a deterministic demo SimPkg: a fixed number of
// agents orbiting a ring at constant angular velocity. It exercises every
// method of the simpkg.SimPkg interface without depending on a real
// physics/chemistry engine, which is explicitly out of scope for this
// server.
package reference

import (
	"encoding/json"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/trajfile"
)

// Config seeds the deterministic ring-orbit motion.
type Config struct {
	AgentCount    int
	RingRadius    float32
	AngularStepNs float64 // radians advanced per nanosecond of dt
	TotalFrames   uint32  // frame count for GetNextFrame/IsFinished, LoadTrajectoryFile and the frame-lookup clamp; 0 means unbounded
}

// model is the opaque JSON shape InitAgents accepts; unknown fields are
// ignored, matching the "model-definition is opaque pass-through" stance.
type model struct {
	AgentCount *int     `json:"agent_count,omitempty"`
	RingRadius *float32 `json:"ring_radius,omitempty"`
}

// Package is the reference SimPkg implementation.
type Package struct {
	mu sync.Mutex

	cfg          Config
	frameNumber  uint32
	elapsedNs    float64
	finished     bool
	props        simpkg.TrajectoryFileProperties
	propsLoaded  bool
}

// New constructs a reference package with the supplied configuration,
// defaulting any zero fields to sane demo values.
func New(cfg Config) *Package {
	if cfg.AgentCount <= 0 {
		cfg.AgentCount = 12
	}
	if cfg.RingRadius <= 0 {
		cfg.RingRadius = 10
	}
	if cfg.AngularStepNs == 0 {
		cfg.AngularStepNs = 0.0005
	}
	return &Package{cfg: cfg}
}

// Setup implements simpkg.SimPkg.
func (p *Package) Setup() error { return nil }

// Shutdown implements simpkg.SimPkg.
func (p *Package) Shutdown() error { return nil }

// InitAgents implements simpkg.SimPkg. The model payload is opaque JSON;
// only the reference fields this demo understands are consulted.
func (p *Package) InitAgents(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	var m model
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("reference: invalid model-definition: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.AgentCount != nil && *m.AgentCount > 0 {
		p.cfg.AgentCount = *m.AgentCount
	}
	if m.RingRadius != nil && *m.RingRadius > 0 {
		p.cfg.RingRadius = *m.RingRadius
	}
	return nil
}

// InitReactions implements simpkg.SimPkg; the reference package has no
// reaction network to configure.
func (p *Package) InitReactions(raw []byte) error { return nil }

// UpdateParameter implements simpkg.SimPkg. Only "angular_step_ns" and
// "ring_radius" are recognized; anything else is ignored rather than
// rejected, matching a late-joiner-tolerant rate-parameter update.
func (p *Package) UpdateParameter(name string, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch name {
	case "angular_step_ns":
		p.cfg.AngularStepNs = value
	case "ring_radius":
		p.cfg.RingRadius = float32(value)
	}
	return nil
}

// RunTimeStep advances the ring orbit by dtNs and returns the produced
// frame. Meaningful only while driving the Live mode's SimTick.
func (p *Package) RunTimeStep(dtNs float64) (trajfile.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elapsedNs += dtNs
	frame := p.buildFrameLocked()
	p.frameNumber++
	return frame, nil
}

// GetNextFrame produces exactly one more frame, used while building a
// prerun/playback cache; it behaves identically to RunTimeStep with a fixed
// internal step.
func (p *Package) GetNextFrame() (trajfile.Frame, error) {
	frame, err := p.RunTimeStep(1.0 / p.cfg.AngularStepNs)
	if err != nil {
		return frame, err
	}
	if p.cfg.TotalFrames > 0 && p.frameNumber >= p.cfg.TotalFrames {
		p.mu.Lock()
		p.finished = true
		p.mu.Unlock()
	}
	return frame, nil
}

// IsFinished reports whether the configured TotalFrames have been produced.
func (p *Package) IsFinished() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

// Run advances nSteps frames at a fixed step of dtNs each, used for the
// "prerun" mode's up-front drive.
func (p *Package) Run(dtNs float64, nSteps int) error {
	for i := 0; i < nSteps; i++ {
		if _, err := p.RunTimeStep(dtNs); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.finished = true
	p.mu.Unlock()
	return nil
}

func (p *Package) buildFrameLocked() trajfile.Frame {
	agents := make([]trajfile.AgentData, 0, p.cfg.AgentCount)
	for i := 0; i < p.cfg.AgentCount; i++ {
		theta := p.elapsedNs*p.cfg.AngularStepNs + 2*math.Pi*float64(i)/float64(p.cfg.AgentCount)
		agents = append(agents, trajfile.AgentData{
			VisType:         1000,
			ID:              float32(i),
			TypeID:          0,
			X:               p.cfg.RingRadius * float32(math.Cos(theta)),
			Y:               p.cfg.RingRadius * float32(math.Sin(theta)),
			Z:               0,
			CollisionRadius: 1,
		})
	}
	return trajfile.Frame{FrameNumber: p.frameNumber, TimeNs: float32(p.elapsedNs), Agents: agents}
}

// LoadTrajectoryFile populates deterministic metadata for a file-backed
// TrajID without reading a real simulation engine's companion files.
func (p *Package) LoadTrajectoryFile(path string) (simpkg.TrajectoryFileProperties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.props = simpkg.TrajectoryFileProperties{
		FileName:                filepath.Base(path),
		NumberOfFrames:          p.cfg.TotalFrames,
		TimeStepSize:            1.0 / p.cfg.AngularStepNs,
		SpatialUnitFactorMeters: 1,
		TypeMapping: map[uint32]simpkg.TypeInfo{
			0: {Name: "ring-agent"},
		},
		Size:        simpkg.Vector3{X: float64(p.cfg.RingRadius) * 2, Y: float64(p.cfg.RingRadius) * 2, Z: 1},
		PluginName:  "reference",
	}
	p.propsLoaded = true
	return p.props, nil
}

// GetSimulationTimeAtFrame returns the simulated time, in nanoseconds, at
// frame n, assuming a fixed time step.
func (p *Package) GetSimulationTimeAtFrame(n uint32) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(n) / p.cfg.AngularStepNs, nil
}

// GetClosestFrameNumberForTime is the inverse of GetSimulationTimeAtFrame,
// clamped to [0, TotalFrames-1].
func (p *Package) GetClosestFrameNumberForTime(timeNs float64) (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if timeNs <= 0 {
		return 0, nil
	}
	frame := uint32(timeNs * p.cfg.AngularStepNs)
	if p.cfg.TotalFrames > 0 && frame >= p.cfg.TotalFrames {
		return p.cfg.TotalFrames - 1, nil
	}
	return frame, nil
}

// CanLoadFile matches any path ending in ".ring" so demo fixtures can
// exercise file-backed playback without a real trajectory on disk.
func (p *Package) CanLoadFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".ring")
}

// GetFileNames reports that the reference package has no companion inputs
// to fetch alongside the primary file.
func (p *Package) GetFileNames(path string) []string { return nil }

var _ simpkg.SimPkg = (*Package)(nil)
