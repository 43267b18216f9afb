package trajcache

import (
	"encoding/json"
	"fmt"
	"os"

	"simularium/broker/internal/simpkg"
)

// sidecarVersion is the info-sidecar schema version this cache writes.
// Readers remain forward-compatible within the v3 superset.
const sidecarVersion = 3

// sidecarDoc mirrors the required and optional keys of the `<id>_info` JSON
// document described in the external-interfaces section: version, fileName,
// totalSteps, timeStepSize, spatialUnitFactorMeters, size, typeMapping are
// required; timeUnits/spatialUnits and per-type geometry are optional.
type sidecarDoc struct {
	Version                 int                      `json:"version"`
	FileName                string                   `json:"fileName"`
	TotalSteps              uint32                   `json:"totalSteps"`
	TimeStepSize            float64                  `json:"timeStepSize"`
	SpatialUnitFactorMeters float64                  `json:"spatialUnitFactorMeters"`
	Size                    sidecarVector            `json:"size"`
	TypeMapping             map[string]sidecarType   `json:"typeMapping"`
	TimeUnits               *sidecarUnit             `json:"timeUnits,omitempty"`
	SpatialUnits            *sidecarUnit             `json:"spatialUnits,omitempty"`
	CameraDefault           *sidecarCameraDefault    `json:"cameraDefault,omitempty"`
	SourceChecksum          string                   `json:"sourceChecksum,omitempty"`
	PluginName              string                   `json:"pluginName,omitempty"`
}

type sidecarVector struct{ X, Y, Z float64 }

type sidecarUnit struct {
	Magnitude float64 `json:"magnitude"`
	Name      string  `json:"name"`
}

type sidecarGeometry struct {
	DisplayType string `json:"displayType,omitempty"`
	URL         string `json:"url,omitempty"`
	Color       string `json:"color,omitempty"`
}

type sidecarType struct {
	Name     string           `json:"name"`
	Geometry *sidecarGeometry `json:"geometry,omitempty"`
}

type sidecarCameraDefault struct {
	Position       sidecarVector `json:"position"`
	LookAtPosition sidecarVector `json:"lookAtPosition"`
	UpVector       sidecarVector `json:"upVector"`
	FovDegrees     float64       `json:"fovDegrees"`
}

// requiredKeys must all be present for a downloaded info sidecar to be
// treated as a usable cache; missing any invalidates it.
var requiredKeys = []string{"version", "fileName", "totalSteps", "timeStepSize", "spatialUnitFactorMeters", "size", "typeMapping"}

// writeSidecar serializes props to path as the `<id>_info` JSON document.
func writeSidecar(path string, props simpkg.TrajectoryFileProperties) error {
	doc := sidecarDoc{
		Version:                 sidecarVersion,
		FileName:                props.FileName,
		TotalSteps:              props.NumberOfFrames,
		TimeStepSize:            props.TimeStepSize,
		SpatialUnitFactorMeters: props.SpatialUnitFactorMeters,
		Size:                    sidecarVector{X: props.Size.X, Y: props.Size.Y, Z: props.Size.Z},
		TypeMapping:             make(map[string]sidecarType, len(props.TypeMapping)),
		SourceChecksum:          props.SourceChecksum,
		PluginName:              props.PluginName,
	}
	for id, info := range props.TypeMapping {
		t := sidecarType{Name: info.Name}
		if info.Geometry != nil {
			t.Geometry = &sidecarGeometry{
				DisplayType: info.Geometry.DisplayType,
				URL:         info.Geometry.URL,
				Color:       info.Geometry.Color,
			}
		}
		doc.TypeMapping[fmt.Sprint(id)] = t
	}
	if props.TimeUnits != nil {
		doc.TimeUnits = &sidecarUnit{Magnitude: props.TimeUnits.Magnitude, Name: props.TimeUnits.Name}
	}
	if props.SpatialUnits != nil {
		doc.SpatialUnits = &sidecarUnit{Magnitude: props.SpatialUnits.Magnitude, Name: props.SpatialUnits.Name}
	}
	if props.CameraDefault != nil {
		cd := props.CameraDefault
		doc.CameraDefault = &sidecarCameraDefault{
			Position:       sidecarVector{X: cd.Position.X, Y: cd.Position.Y, Z: cd.Position.Z},
			LookAtPosition: sidecarVector{X: cd.LookAtPosition.X, Y: cd.LookAtPosition.Y, Z: cd.LookAtPosition.Z},
			UpVector:       sidecarVector{X: cd.UpVector.X, Y: cd.UpVector.Y, Z: cd.UpVector.Z},
			FovDegrees:     cd.FovDegrees,
		}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("trajcache: marshal sidecar: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// readSidecar parses the `<id>_info` JSON document at path, rejecting it if
// any required key is absent.
func readSidecar(path string) (simpkg.TrajectoryFileProperties, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return simpkg.TrajectoryFileProperties{}, err
	}
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return simpkg.TrajectoryFileProperties{}, fmt.Errorf("trajcache: parse sidecar: %w", err)
	}
	for _, key := range requiredKeys {
		if _, ok := generic[key]; !ok {
			return simpkg.TrajectoryFileProperties{}, fmt.Errorf("trajcache: sidecar missing required key %q", key)
		}
	}
	var doc sidecarDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return simpkg.TrajectoryFileProperties{}, fmt.Errorf("trajcache: decode sidecar: %w", err)
	}
	props := simpkg.TrajectoryFileProperties{
		FileName:                doc.FileName,
		NumberOfFrames:          doc.TotalSteps,
		TimeStepSize:            doc.TimeStepSize,
		SpatialUnitFactorMeters: doc.SpatialUnitFactorMeters,
		Size:                    simpkg.Vector3{X: doc.Size.X, Y: doc.Size.Y, Z: doc.Size.Z},
		TypeMapping:             make(map[uint32]simpkg.TypeInfo, len(doc.TypeMapping)),
		SourceChecksum:          doc.SourceChecksum,
		PluginName:              doc.PluginName,
	}
	for idStr, info := range doc.TypeMapping {
		var id uint32
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		t := simpkg.TypeInfo{Name: info.Name}
		if info.Geometry != nil {
			t.Geometry = &simpkg.Geometry{
				DisplayType: info.Geometry.DisplayType,
				URL:         info.Geometry.URL,
				Color:       info.Geometry.Color,
			}
		}
		props.TypeMapping[id] = t
	}
	if doc.TimeUnits != nil {
		props.TimeUnits = &simpkg.UnitLabel{Magnitude: doc.TimeUnits.Magnitude, Name: doc.TimeUnits.Name}
	}
	if doc.SpatialUnits != nil {
		props.SpatialUnits = &simpkg.UnitLabel{Magnitude: doc.SpatialUnits.Magnitude, Name: doc.SpatialUnits.Name}
	}
	if doc.CameraDefault != nil {
		cd := doc.CameraDefault
		props.CameraDefault = &simpkg.CameraDefault{
			Position:       simpkg.Vector3{X: cd.Position.X, Y: cd.Position.Y, Z: cd.Position.Z},
			LookAtPosition: simpkg.Vector3{X: cd.LookAtPosition.X, Y: cd.LookAtPosition.Y, Z: cd.LookAtPosition.Z},
			UpVector:       simpkg.Vector3{X: cd.UpVector.X, Y: cd.UpVector.Y, Z: cd.UpVector.Z},
			FovDegrees:     cd.FovDegrees,
		}
	}
	return props, nil
}
