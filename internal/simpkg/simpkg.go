// Package simpkg defines the pluggable simulation backend interface that
// Simulation drives. Real physics/chemistry engines are out of scope for
// this server; only the interface and a deterministic reference
// implementation (package reference) live here.
package simpkg

import (
	"simularium/broker/internal/trajfile"
)

// TrajectoryFileProperties is the static metadata associated with a TrajID.
type TrajectoryFileProperties struct {
	FileName                string
	NumberOfFrames          uint32
	TimeStepSize            float64 // nanoseconds
	SpatialUnitFactorMeters float64
	TypeMapping             map[uint32]TypeInfo
	Size                    Vector3
	CameraDefault           *CameraDefault
	TimeUnits               *UnitLabel
	SpatialUnits            *UnitLabel
	SourceChecksum          string
	PluginName              string
}

// TypeInfo names an agent type and, optionally, its render geometry.
type TypeInfo struct {
	Name     string
	Geometry *Geometry
}

// Geometry describes how a client should render a given agent type.
type Geometry struct {
	DisplayType string
	URL         string
	Color       string
}

// Vector3 is a generic 3-component float vector used for box size, camera
// position, etc.
type Vector3 struct {
	X, Y, Z float64
}

// CameraDefault carries the optional camera placement suggested by a
// trajectory's source metadata.
type CameraDefault struct {
	Position       Vector3
	LookAtPosition Vector3
	UpVector       Vector3
	FovDegrees     float64
}

// UnitLabel names the magnitude and unit label for a time or spatial axis.
type UnitLabel struct {
	Magnitude float64
	Name      string
}

// SimPkg is a pluggable simulation backend. The core consumes it only
// through this interface; InitAgents/InitReactions/UpdateParameter take
// opaque JSON payloads so the core never parses model definitions itself.
type SimPkg interface {
	Setup() error
	Shutdown() error

	InitAgents(model []byte) error
	InitReactions(model []byte) error
	RunTimeStep(dtNs float64) (trajfile.Frame, error)
	UpdateParameter(name string, value float64) error
	Run(dtNs float64, nSteps int) error

	GetNextFrame() (trajfile.Frame, error)
	IsFinished() bool

	LoadTrajectoryFile(path string) (TrajectoryFileProperties, error)
	GetSimulationTimeAtFrame(n uint32) (float64, error)
	GetClosestFrameNumberForTime(timeNs float64) (uint32, error)

	CanLoadFile(path string) bool
	GetFileNames(path string) []string
}
