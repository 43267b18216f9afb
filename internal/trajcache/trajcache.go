// Package trajcache implements the keyed registry of on-disk binary
// trajectory caches: acquiring raw inputs from the object store, building a
// cache via the active SimPkg, and publishing the built cache back.
package trajcache

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"simularium/broker/internal/logging"
	"simularium/broker/internal/metrics"
	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/trajfile"
)

// DefaultTOCCapacity bounds how many frames a freshly created cache file can
// hold before WriteFrame starts returning ErrTOCCapacityExceeded.
const DefaultTOCCapacity = 1 << 20

// ObjectStore is the Download/Upload contract TrajectoryCache relies on;
// object-store mechanics themselves are out of scope for this server.
type ObjectStore interface {
	Download(ctx context.Context, key, path string) (ok bool, err error)
	Upload(ctx context.Context, path, key string) (ok bool, err error)
}

// SimulariumReader converts a `.simularium` JSON trajectory at path into
// binary frames and properties. Parsing the JSON trajectory format itself is
// out of scope for this server; this interface exists so the cache can call
// into whatever converter is wired in.
type SimulariumReader interface {
	Convert(path string) ([]trajfile.Frame, simpkg.TrajectoryFileProperties, error)
}

// entry is the registry's per-TrajID bookkeeping.
type entry struct {
	file       *trajfile.File
	props      simpkg.TrajectoryFileProperties
	binPath    string
	tmpInputs  []string
}

// Cache is the keyed registry of BinaryTrajectoryFiles plus their metadata.
type Cache struct {
	mu      sync.RWMutex
	dir     string
	store   ObjectStore
	reader  SimulariumReader
	log     *logging.Logger
	metrics *metrics.Collectors
	entries map[string]*entry
}

// Option customises cache construction.
type Option func(*Cache)

// WithObjectStore wires an object-store backend for download/upload.
func WithObjectStore(store ObjectStore) Option {
	return func(c *Cache) { c.store = store }
}

// WithSimulariumReader wires a `.simularium` JSON-to-binary converter.
func WithSimulariumReader(reader SimulariumReader) Option {
	return func(c *Cache) { c.reader = reader }
}

// WithMetrics wires Prometheus collectors for cache-build observability.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Cache) { c.metrics = m }
}

// New constructs a cache rooted at dir, where binary files and info
// sidecars are stored.
func New(dir string, logger *logging.Logger, opts ...Option) *Cache {
	if logger == nil {
		logger = logging.L()
	}
	c := &Cache{
		dir:     dir,
		log:     logger,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) binPath(id string) string  { return filepath.Join(c.dir, id+"_cache") }
func (c *Cache) infoPath(id string) string { return filepath.Join(c.dir, id+"_info") }
func (c *Cache) rawPath(id string) string  { return filepath.Join(c.dir, id) }

// RawPath exposes the on-disk location FindFile downloads id's raw input
// to, so callers can hand a real path to a SimPkg's LoadTrajectoryFile.
func (c *Cache) RawPath(id string) string { return c.rawPath(id) }

// Get returns the registered file and properties for id, if any.
func (c *Cache) Get(id string) (*trajfile.File, simpkg.TrajectoryFileProperties, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil, simpkg.TrajectoryFileProperties{}, false
	}
	return e.file, e.props, true
}

// NumFrames reports the populated frame count for id, or 0 if unregistered.
func (c *Cache) NumFrames(id string) uint32 {
	file, _, ok := c.Get(id)
	if !ok {
		return 0
	}
	count, err := file.NumSavedFrames()
	if err != nil {
		return 0
	}
	return count
}

// EnsureLive creates (if absent) an empty, writable binary cache for id,
// used by Live and Prerun modes which produce frames rather than loading
// them from a pre-built cache.
func (c *Cache) EnsureLive(id string) (*trajfile.File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		return e.file, nil
	}
	file, err := trajfile.Create(c.binPath(id), DefaultTOCCapacity)
	if err != nil {
		return nil, fmt.Errorf("trajcache: create live cache for %s: %w", id, err)
	}
	c.entries[id] = &entry{file: file, binPath: c.binPath(id)}
	return file, nil
}

// AppendFrame writes a freshly produced frame to id's cache, creating the
// cache file on first use.
func (c *Cache) AppendFrame(id string, frame trajfile.Frame) error {
	file, err := c.EnsureLive(id)
	if err != nil {
		return err
	}
	return file.WriteFrame(frame)
}

// SetProperties stores (or replaces) the metadata associated with id.
func (c *Cache) SetProperties(id string, props simpkg.TrajectoryFileProperties) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	e.props = props
}

// Reset discards the in-memory registration for id (used when Live/Prerun
// caches are cleared). File-backed caches are never auto-cleared.
func (c *Cache) Reset(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[id]; ok {
		e.file.Close()
		delete(c.entries, id)
	}
}

// register records a fully prepared file + properties under id.
func (c *Cache) register(id string, file *trajfile.File, props simpkg.TrajectoryFileProperties) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = &entry{file: file, props: props, binPath: c.binPath(id)}
}

// MarkTmpFiles records raw-input file paths associated with id so they can
// be cleaned up later, typically after conversion into the binary cache.
func (c *Cache) MarkTmpFiles(id string, paths ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	e.tmpInputs = append(e.tmpInputs, paths...)
}

// DeleteTmpFiles removes every raw-input file previously marked for id.
func (c *Cache) DeleteTmpFiles(id string) []string {
	c.mu.Lock()
	e, ok := c.entries[id]
	var paths []string
	if ok {
		paths = e.tmpInputs
		e.tmpInputs = nil
	}
	c.mu.Unlock()
	removed := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := removeFile(p); err != nil {
			c.log.Debug("trajcache: tmp file cleanup failed", logging.String("path", p), logging.Error(err))
			continue
		}
		removed = append(removed, p)
	}
	return removed
}
