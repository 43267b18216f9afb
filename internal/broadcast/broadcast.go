// Package broadcast drives the per-tick slice delivery to every playing
// client and the end-of-stream state machine that governs when a client
// transitions between Waiting, Playing, and Finished.
package broadcast

import (
	"fmt"

	"simularium/broker/internal/logging"
	"simularium/broker/internal/metrics"
	"simularium/broker/internal/networking"
	"simularium/broker/internal/registry"
)

// SliceBytes bounds how many bytes of a trajectory are sent per client per
// tick (100 000 bytes, i.e. 25 000 float32 values).
const SliceBytes = 100000

// CacheReader is the read-side contract BroadcastEngine needs from a
// trajectory cache; it never mutates a cache, only reads from it.
type CacheReader interface {
	GetBroadcastUpdate(id string, pos uint64, sliceBytes int) (payload []byte, newPos uint64, err error)
	GetBroadcastFrame(id string, frameNumber uint32) (payload []byte, newPos uint64, err error)
	EndOfStreamPos(id string) (uint64, error)
	LoadedFrames(id string) uint32
	TotalFrames(id string) uint32
}

// Sender delivers a binary WebSocket message to a specific connection.
type Sender interface {
	SendBinary(uid string, payload []byte) error
}

// Engine streams trajectory slices to every client in the Playing state and
// runs the end-of-stream transition before each delivery attempt.
type Engine struct {
	cache     CacheReader
	sender    Sender
	registry  *registry.Registry
	bandwidth *networking.BandwidthRegulator
	log       *logging.Logger
	metrics   *metrics.Collectors
}

// SetMetrics wires Prometheus collectors into the engine. Optional; safe to
// call once before the first Tick.
func (e *Engine) SetMetrics(m *metrics.Collectors) {
	e.metrics = m
}

// New constructs a broadcast engine. bandwidth may be nil to disable
// per-client throttling.
func New(cache CacheReader, sender Sender, reg *registry.Registry, bandwidth *networking.BandwidthRegulator, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.L()
	}
	return &Engine{cache: cache, sender: sender, registry: reg, bandwidth: bandwidth, log: logger}
}

// Tick applies the end-of-stream transition to every client, then sends one
// bounded slice to each client left in the Playing state. Called once per
// SimTick iteration.
func (e *Engine) Tick() {
	for _, client := range e.registry.Snapshot() {
		if client.SimID == "" {
			continue
		}
		e.applyEndOfStreamTransition(client)
	}
	for _, client := range e.registry.Snapshot() {
		if client.SimID == "" || client.PlayState != registry.Playing {
			continue
		}
		if err := e.sendSlice(client); err != nil {
			e.log.Debug("broadcast: slice delivery failed", logging.String("client_id", client.UID), logging.Error(err))
		}
	}
}

// applyEndOfStreamTransition implements the state machine in the worker
// orchestrator's broadcast step: it runs before every slice delivery and
// decides whether a client should move between Waiting, Playing, Finished.
func (e *Engine) applyEndOfStreamTransition(client *registry.ClientState) {
	id := client.SimID
	loadedFrames := e.cache.LoadedFrames(id)
	totalFrames := e.cache.TotalFrames(id)
	endPos, err := e.cache.EndOfStreamPos(id)
	if err != nil {
		return
	}

	if loadedFrames == 0 {
		e.registry.SetPlayState(client.UID, registry.Waiting)
		return
	}

	fullyProcessed := totalFrames > 0 && loadedFrames >= totalFrames
	switch {
	case client.PlaybackPos >= endPos && fullyProcessed:
		if id == "live" {
			e.registry.SetPlayState(client.UID, registry.Waiting)
			return
		}
		e.registry.SetPlayState(client.UID, registry.Finished)
		e.registry.SetPos(client.UID, endPos)
	case client.PlayState == registry.Playing && client.PlaybackPos >= endPos && !fullyProcessed:
		e.registry.SetPlayState(client.UID, registry.Waiting)
	case client.PlayState == registry.Waiting && client.PlaybackPos < endPos:
		e.registry.SetPlayState(client.UID, registry.Playing)
	}
}

// sendSlice delivers the next bounded chunk of client's trajectory and
// advances its byte cursor.
func (e *Engine) sendSlice(client *registry.ClientState) error {
	payload, newPos, err := e.cache.GetBroadcastUpdate(client.SimID, client.PlaybackPos, SliceBytes)
	if err != nil {
		return fmt.Errorf("broadcast: get update for %s: %w", client.SimID, err)
	}
	if len(payload) == 0 {
		return nil
	}
	if e.bandwidth != nil && !e.bandwidth.Allow(client.UID, len(payload)) {
		if e.metrics != nil {
			e.metrics.BandwidthDrops.Inc()
		}
		return nil
	}
	if err := e.sender.SendBinary(client.UID, payload); err != nil {
		return fmt.Errorf("broadcast: send to %s: %w", client.UID, err)
	}
	e.registry.SetPos(client.UID, newPos)
	if e.metrics != nil {
		e.metrics.SlicesSent.Inc()
		e.metrics.SliceBytesSent.Add(float64(len(payload)))
	}
	return nil
}

// SendSingleFrameToClient delivers exactly one frame out-of-band (used for
// goto-simulation-time and playback seeks), setting the client's cursor to
// the start of the frame following it.
func (e *Engine) SendSingleFrameToClient(uid, simID string, frameNumber uint32) error {
	payload, newPos, err := e.cache.GetBroadcastFrame(simID, frameNumber)
	if err != nil {
		return fmt.Errorf("broadcast: get frame %d of %s: %w", frameNumber, simID, err)
	}
	if err := e.sender.SendBinary(uid, payload); err != nil {
		return fmt.Errorf("broadcast: send frame to %s: %w", uid, err)
	}
	e.registry.SetPos(uid, newPos)
	return nil
}

// Forget releases any per-client throttling state on disconnect.
func (e *Engine) Forget(uid string) {
	if e.bandwidth != nil {
		e.bandwidth.Forget(uid)
	}
}
