package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"simularium/broker/internal/trajfile"
)

// Entry describes one cached trajectory found on disk: its info sidecar
// metadata alongside the frame count actually committed to the binary file.
type Entry struct {
	TrajID       string  `json:"trajId"`
	InfoPath     string  `json:"infoPath"`
	CachePath    string  `json:"cachePath"`
	FileName     string  `json:"fileName"`
	TotalSteps   uint32  `json:"totalSteps"`
	SavedFrames  uint32  `json:"savedFrames"`
	TimeStepSize float64 `json:"timeStepSize"`
}

// sidecarSummary mirrors the subset of the `<id>_info` JSON document this
// tool needs; internal/trajcache owns the full schema and the write side.
type sidecarSummary struct {
	FileName     string  `json:"fileName"`
	TotalSteps   uint32  `json:"totalSteps"`
	TimeStepSize float64 `json:"timeStepSize"`
}

// List walks root looking for `<id>_info` sidecars, pairs each with its
// `<id>_cache` binary file, and reports how many frames are actually
// committed versus the sidecar's expected total.
func List(root string, tocCapacity uint32) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Walk the directory tree looking for info sidecars; the trajID is
	//    the sidecar's file name with the "_info" suffix trimmed.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), "_info") {
			return nil
		}
		trajID := strings.TrimSuffix(d.Name(), "_info")

		raw, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var summary sidecarSummary
		if err := json.Unmarshal(raw, &summary); err != nil {
			return fmt.Errorf("parse sidecar %s: %w", path, err)
		}

		entry := Entry{
			TrajID:       trajID,
			InfoPath:     path,
			FileName:     summary.FileName,
			TotalSteps:   summary.TotalSteps,
			TimeStepSize: summary.TimeStepSize,
		}

		//2.- Open the paired binary cache, if present, to report how many
		//    frames are actually committed rather than just the sidecar's
		//    claimed total.
		cachePath := filepath.Join(filepath.Dir(path), trajID+"_cache")
		if _, err := os.Stat(cachePath); err == nil {
			entry.CachePath = cachePath
			if saved, err := readSavedFrames(cachePath, tocCapacity); err == nil {
				entry.SavedFrames = saved
			}
		}

		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TrajID < entries[j].TrajID })
	return entries, nil
}

func readSavedFrames(cachePath string, tocCapacity uint32) (uint32, error) {
	file, err := trajfile.Open(cachePath, tocCapacity)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return file.NumSavedFrames()
}

// MarshalEntries produces a stable, indented JSON representation for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}
