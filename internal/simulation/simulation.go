package simulation

import (
	"fmt"
	"math"
	"sync"

	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/trajfile"
)

// Mode selects which source drives a trajectory's frames.
type Mode int

const (
	Live Mode = iota
	Prerun
	Playback
)

// Cache is the subset of trajcache.Cache the Simulation drives directly.
type Cache interface {
	Get(id string) (*trajfile.File, simpkg.TrajectoryFileProperties, bool)
	NumFrames(id string) uint32
	EnsureLive(id string) (*trajfile.File, error)
	AppendFrame(id string, frame trajfile.Frame) error
	SetProperties(id string, props simpkg.TrajectoryFileProperties)
	Reset(id string)
}

// Simulation holds the active SimPkg roster, the current mode, and the
// effective TrajID, delegating frame production and playback reads to the
// cache.
type Simulation struct {
	mu sync.Mutex

	cache  Cache
	pkgs   []simpkg.SimPkg
	active int
	mode   Mode
	simID  string
}

// New constructs a Simulation backed by cache and driving the supplied
// SimPkg roster (tried in order by CanLoadFile).
func New(cache Cache, pkgs ...simpkg.SimPkg) *Simulation {
	return &Simulation{cache: cache, pkgs: pkgs, active: 0, mode: Live}
}

// activePkg returns the currently selected SimPkg, or nil if none configured.
func (s *Simulation) activePkg() simpkg.SimPkg {
	if s.active < 0 || s.active >= len(s.pkgs) {
		return nil
	}
	return s.pkgs[s.active]
}

// ResetLive implements router.SimulationDriver: clears simID's cache and
// switches to Live mode, ready to accumulate freshly produced frames.
func (s *Simulation) ResetLive(simID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = Live
	s.simID = simID
	s.cache.Reset(simID)
	if pkg := s.activePkg(); pkg != nil {
		return pkg.Setup()
	}
	return nil
}

// Prerun implements router.SimulationDriver: drives numTimeSteps frames
// immediately at the fixed step timeStepNs, then leaves the result
// available as a file-backed (non-live) cache for playback.
func (s *Simulation) Prerun(simID string, timeStepNs float64, numTimeSteps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = Prerun
	s.simID = simID
	s.cache.Reset(simID)
	pkg := s.activePkg()
	if pkg == nil {
		return fmt.Errorf("simulation: no active SimPkg configured")
	}
	for i := 0; i < numTimeSteps; i++ {
		frame, err := pkg.RunTimeStep(timeStepNs)
		if err != nil {
			return fmt.Errorf("simulation: prerun %s: %w", simID, err)
		}
		if err := s.cache.AppendFrame(simID, frame); err != nil {
			return err
		}
	}
	props := simpkg.TrajectoryFileProperties{
		FileName:       simID,
		NumberOfFrames: s.cache.NumFrames(simID),
		TimeStepSize:   timeStepNs,
	}
	s.cache.SetProperties(simID, props)
	return nil
}

// RunTimeStep advances the active SimPkg by dt and appends the produced
// frame to the cache under the current TrajID. Meaningful only in Live mode.
func (s *Simulation) RunTimeStep(dtNs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != Live {
		return nil
	}
	pkg := s.activePkg()
	if pkg == nil {
		return fmt.Errorf("simulation: no active SimPkg configured")
	}
	frame, err := pkg.RunTimeStep(dtNs)
	if err != nil {
		return fmt.Errorf("simulation: run time step: %w", err)
	}
	return s.cache.AppendFrame(s.simID, frame)
}

// LoadNextFrame asks the active SimPkg for one more frame and appends it,
// used while building a cache for the current TrajID.
func (s *Simulation) LoadNextFrame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg := s.activePkg()
	if pkg == nil {
		return fmt.Errorf("simulation: no active SimPkg configured")
	}
	return s.loadNextFrameLocked(s.simID, pkg)
}

func (s *Simulation) loadNextFrameLocked(simID string, pkg simpkg.SimPkg) error {
	frame, err := pkg.GetNextFrame()
	if err != nil {
		return fmt.Errorf("simulation: get next frame: %w", err)
	}
	return s.cache.AppendFrame(simID, frame)
}

// LoadTrajectoryFile selects the first SimPkg whose CanLoadFile(name)
// returns true, hands it the raw path, and populates metadata.
func (s *Simulation) LoadTrajectoryFile(name, rawPath string) (simpkg.TrajectoryFileProperties, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, pkg := range s.pkgs {
		if !pkg.CanLoadFile(rawPath) {
			continue
		}
		props, err := pkg.LoadTrajectoryFile(rawPath)
		if err != nil {
			return simpkg.TrajectoryFileProperties{}, fmt.Errorf("simulation: load trajectory file: %w", err)
		}
		s.active = i
		s.mode = Playback
		s.simID = name
		s.cache.SetProperties(name, props)
		return props, nil
	}
	return simpkg.TrajectoryFileProperties{}, fmt.Errorf("simulation: no SimPkg can load %q", rawPath)
}

// UpdateTimeStep forwards dtNs to the active SimPkg as the "time_step_ns"
// parameter. It does not change the dt the SimTick worker passes to
// RunTimeStep, and any error from the SimPkg is discarded.
func (s *Simulation) UpdateTimeStep(dtNs float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pkg := s.activePkg(); pkg != nil {
		_ = pkg.UpdateParameter("time_step_ns", dtNs)
	}
}

// UpdateRateParam implements router.SimulationDriver, delegating to the
// active SimPkg.
func (s *Simulation) UpdateRateParam(name string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg := s.activePkg()
	if pkg == nil {
		return fmt.Errorf("simulation: no active SimPkg configured")
	}
	return pkg.UpdateParameter(name, value)
}

// SetModel implements router.SimulationDriver, delegating to the active
// SimPkg's InitAgents.
func (s *Simulation) SetModel(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pkg := s.activePkg()
	if pkg == nil {
		return fmt.Errorf("simulation: no active SimPkg configured")
	}
	return pkg.InitAgents(raw)
}

// GetClosestFrameNumberForTime resolves a simulated time to the nearest
// frame index, preferring populated metadata over the active SimPkg.
func (s *Simulation) GetClosestFrameNumberForTime(id string, timeNs float64) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timeNs < 0 {
		return 0, nil
	}
	_, props, ok := s.cache.Get(id)
	if ok && props.TimeStepSize > 0 && props.NumberOfFrames > 0 {
		frame := uint32(math.Floor(timeNs / props.TimeStepSize))
		if frame >= props.NumberOfFrames {
			frame = props.NumberOfFrames - 1
		}
		return frame, nil
	}
	pkg := s.activePkg()
	if pkg == nil {
		return 0, fmt.Errorf("simulation: no metadata and no active SimPkg for %q", id)
	}
	return pkg.GetClosestFrameNumberForTime(timeNs)
}

// GetSimulationTimeAtFrame is the symmetric inverse of
// GetClosestFrameNumberForTime.
func (s *Simulation) GetSimulationTimeAtFrame(id string, n uint32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, props, ok := s.cache.Get(id)
	if ok && props.TimeStepSize > 0 {
		return float64(n) * props.TimeStepSize, nil
	}
	pkg := s.activePkg()
	if pkg == nil {
		return 0, fmt.Errorf("simulation: no metadata and no active SimPkg for %q", id)
	}
	return pkg.GetSimulationTimeAtFrame(n)
}

// Reset tears down and re-initializes every configured SimPkg, preserving
// file-backed caches; Live/Prerun cache state for the current TrajID is
// cleared by the caller via ResetLive/Prerun.
func (s *Simulation) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pkg := range s.pkgs {
		if err := pkg.Shutdown(); err != nil {
			return fmt.Errorf("simulation: shutdown SimPkg: %w", err)
		}
	}
	for _, pkg := range s.pkgs {
		if err := pkg.Setup(); err != nil {
			return fmt.Errorf("simulation: setup SimPkg: %w", err)
		}
	}
	return nil
}

// GetBroadcastUpdate delegates to the cache for id's current frame file.
func (s *Simulation) GetBroadcastUpdate(id string, pos uint64, sliceBytes int) ([]byte, uint64, error) {
	file, _, ok := s.cache.Get(id)
	if !ok {
		return nil, pos, fmt.Errorf("simulation: no cache registered for %q", id)
	}
	return file.GetBroadcastUpdate(pos, sliceBytes)
}

// GetBroadcastFrame delegates to the cache for id's current frame file.
func (s *Simulation) GetBroadcastFrame(id string, n uint32) ([]byte, uint64, error) {
	file, _, ok := s.cache.Get(id)
	if !ok {
		return nil, 0, fmt.Errorf("simulation: no cache registered for %q", id)
	}
	return file.GetBroadcastFrame(n)
}

// EndOfStreamPos delegates to the cache for id's current frame file.
func (s *Simulation) EndOfStreamPos(id string) (uint64, error) {
	file, _, ok := s.cache.Get(id)
	if !ok {
		return 0, nil
	}
	return file.EndOfStreamPos()
}

// LoadedFrames reports how many frames have actually been written to id's
// cache so far.
func (s *Simulation) LoadedFrames(id string) uint32 {
	return s.cache.NumFrames(id)
}

// TotalFrames reports the expected total frame count from id's metadata,
// or 0 if unknown (e.g. a live trajectory still being produced).
func (s *Simulation) TotalFrames(id string) uint32 {
	_, props, ok := s.cache.Get(id)
	if !ok {
		return 0
	}
	return props.NumberOfFrames
}
