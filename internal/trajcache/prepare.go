package trajcache

import (
	"context"
	"fmt"
	"os"
	"time"

	"simularium/broker/internal/logging"
	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/trajfile"
)

func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// FindFile reports whether a raw input for name exists locally, downloading
// it from the object store under the conventional `trajectory/<name>` key
// when it does not.
func (c *Cache) FindFile(ctx context.Context, name string) bool {
	path := c.rawPath(name)
	if _, err := os.Stat(path); err == nil {
		return true
	}
	if c.store == nil {
		return false
	}
	ok, err := c.store.Download(ctx, name, path)
	if err != nil {
		c.log.Warn("trajcache: find file download error", logging.String("name", name), logging.Error(err))
		return false
	}
	if ok {
		c.MarkTmpFiles(name, path)
	}
	return ok
}

// FindSimulariumFile tries the two conventional `.simularium` key variants
// for name and, on success, converts the downloaded JSON into a binary
// cache via the wired SimulariumReader.
func (c *Cache) FindSimulariumFile(ctx context.Context, name, stem string) (bool, error) {
	if c.store == nil || c.reader == nil {
		return false, nil
	}
	candidates := []string{stem + ".simularium", name + ".simularium"}
	jsonPath := c.rawPath(name) + ".simularium"
	for _, key := range candidates {
		ok, err := c.store.Download(ctx, key, jsonPath)
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		frames, props, err := c.reader.Convert(jsonPath)
		if err != nil {
			return false, fmt.Errorf("trajcache: convert simularium json: %w", err)
		}
		if err := c.buildFromFrames(name, frames, props); err != nil {
			return false, err
		}
		c.MarkTmpFiles(name, jsonPath)
		return true, nil
	}
	return false, nil
}

// DownloadRuntimeCache attempts to fetch a pre-built `<key>_cache` binary
// and its `<key>_info` sidecar. Returns ok=false, err=nil when no cache is
// available remotely, so callers can fall through to the next preparation
// step.
func (c *Cache) DownloadRuntimeCache(ctx context.Context, name string) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	infoPath := c.infoPath(name)
	okInfo, err := c.store.Download(ctx, name+"_info", infoPath)
	if err != nil {
		return false, err
	}
	if !okInfo {
		return false, nil
	}
	props, err := readSidecar(infoPath)
	if err != nil {
		c.log.Warn("trajcache: info sidecar invalid, treating as cache miss", logging.String("name", name), logging.Error(err))
		return false, nil
	}
	binPath := c.binPath(name)
	okBin, err := c.store.Download(ctx, name+"_cache", binPath)
	if err != nil {
		return false, err
	}
	if !okBin {
		return false, nil
	}
	file, err := trajfile.Open(binPath, DefaultTOCCapacity)
	if err != nil {
		return false, fmt.Errorf("trajcache: open downloaded cache: %w", err)
	}
	c.register(name, file, props)
	return true, nil
}

// BuildCache drives pkg to produce every frame of a trajectory and appends
// each one to a freshly created binary cache for name, then registers the
// resulting metadata.
func (c *Cache) BuildCache(name string, pkg simpkg.SimPkg, rawPath string) error {
	started := time.Now()
	err := c.buildCache(name, pkg, rawPath)
	if c.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.metrics.CacheBuildTotal.WithLabelValues("simpkg", outcome).Inc()
		c.metrics.CacheBuildSeconds.Observe(time.Since(started).Seconds())
	}
	return err
}

func (c *Cache) buildCache(name string, pkg simpkg.SimPkg, rawPath string) error {
	props, err := pkg.LoadTrajectoryFile(rawPath)
	if err != nil {
		return fmt.Errorf("trajcache: load trajectory file: %w", err)
	}
	file, err := trajfile.Create(c.binPath(name), DefaultTOCCapacity)
	if err != nil {
		return fmt.Errorf("trajcache: create cache for %s: %w", name, err)
	}
	for !pkg.IsFinished() {
		frame, err := pkg.GetNextFrame()
		if err != nil {
			file.Close()
			return fmt.Errorf("trajcache: build cache for %s: %w", name, err)
		}
		if err := file.WriteFrame(frame); err != nil {
			file.Close()
			return fmt.Errorf("trajcache: append frame during build: %w", err)
		}
	}
	c.register(name, file, props)
	return nil
}

func (c *Cache) buildFromFrames(name string, frames []trajfile.Frame, props simpkg.TrajectoryFileProperties) error {
	file, err := trajfile.Create(c.binPath(name), DefaultTOCCapacity)
	if err != nil {
		return fmt.Errorf("trajcache: create cache for %s: %w", name, err)
	}
	for _, frame := range frames {
		if err := file.WriteFrame(frame); err != nil {
			file.Close()
			return fmt.Errorf("trajcache: append converted frame: %w", err)
		}
	}
	props.NumberOfFrames = uint32(len(frames))
	c.register(name, file, props)
	return nil
}

// UploadRuntimeCache publishes name's binary cache and info sidecar to the
// object store. Idempotent: re-upload of the same id overwrites.
func (c *Cache) UploadRuntimeCache(ctx context.Context, name string) error {
	if c.store == nil {
		return nil
	}
	c.mu.RLock()
	e, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("trajcache: no cache registered for %s", name)
	}
	if err := writeSidecar(c.infoPath(name), e.props); err != nil {
		return fmt.Errorf("trajcache: write info sidecar: %w", err)
	}
	if ok, err := c.store.Upload(ctx, c.infoPath(name), name+"_info"); err != nil || !ok {
		if err != nil {
			c.log.Warn("trajcache: info upload failed", logging.String("name", name), logging.Error(err))
		}
		return err
	}
	if ok, err := c.store.Upload(ctx, c.binPath(name), name+"_cache"); err != nil || !ok {
		if err != nil {
			c.log.Warn("trajcache: binary upload failed", logging.String("name", name), logging.Error(err))
		}
		return err
	}
	return nil
}
