package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"simularium/broker/internal/broadcast"
	"simularium/broker/internal/registry"
	"simularium/broker/internal/router"
	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/simpkg/reference"
	"simularium/broker/internal/simulation"
	"simularium/broker/internal/trajcache"
)

type fakeSender struct {
	mu     sync.Mutex
	text   map[string][][]byte
	binary map[string][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{text: map[string][][]byte{}, binary: map[string][][]byte{}}
}

func (s *fakeSender) SendText(uid string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text[uid] = append(s.text[uid], payload)
	return nil
}

func (s *fakeSender) SendBinary(uid string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binary[uid] = append(s.binary[uid], payload)
	return nil
}

func (s *fakeSender) textCount(uid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.text[uid])
}

func (s *fakeSender) binaryCount(uid string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.binary[uid])
}

type harness struct {
	orc    *Orchestrator
	reg    *registry.Registry
	sender *fakeSender
	sim    *simulation.Simulation
	cache  *trajcache.Cache
}

func newHarness(t *testing.T, pkgs ...simpkg.SimPkg) *harness {
	t.Helper()
	reg := registry.New()
	cache := trajcache.New(t.TempDir(), nil)
	if len(pkgs) == 0 {
		pkgs = []simpkg.SimPkg{reference.New(reference.Config{AgentCount: 2})}
	}
	sim := simulation.New(cache, pkgs...)
	sender := newFakeSender()
	broadcaster := broadcast.New(sim, sender, reg, nil, nil)

	h := &harness{reg: reg, sender: sender, sim: sim, cache: cache}
	orc := New(Config{
		Registry:          reg,
		Broadcaster:       broadcaster,
		Sim:               sim,
		Cache:             cache,
		Pkgs:              pkgs,
		Sender:            sender,
		SimTickInterval:   10 * time.Millisecond,
		HeartbeatInterval: 10 * time.Millisecond,
		FileIOInterval:    10 * time.Millisecond,
	})
	rtr := router.New(reg, sim, orc.FileRequestQueue(), orc.SeekRequestQueue(), nil, nil)
	orc.cfg.Router = rtr
	h.orc = orc
	return h
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestSubmitDispatchesThroughListenWorker(t *testing.T) {
	h := newHarness(t)
	uid := h.reg.Add()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orc.Start(ctx)
	defer h.orc.CloseServer()

	env, _ := json.Marshal(map[string]any{"msgType": int(router.MsgVisDataRequest), "mode": "live"})
	h.orc.Submit(uid, env)

	waitFor(t, time.Second, func() bool {
		c, _ := h.reg.Get(uid)
		return c.PlayState == registry.Playing && c.SimID == "live"
	})
}

func TestSimTickAdvancesLiveSimulationAndBroadcasts(t *testing.T) {
	h := newHarness(t)
	uid := h.reg.Add()
	if err := h.sim.ResetLive("live"); err != nil {
		t.Fatalf("ResetLive: %v", err)
	}
	h.reg.SetSimID(uid, "live")
	h.reg.SetPlayState(uid, registry.Playing)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orc.Start(ctx)
	defer h.orc.CloseServer()

	waitFor(t, time.Second, func() bool {
		return h.cache.NumFrames("live") > 0 && h.sender.binaryCount(uid) > 0
	})
}

func TestHeartbeatEvictsUnresponsiveClient(t *testing.T) {
	h := newHarness(t)
	uid := h.reg.Add()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.orc.Start(ctx)
	defer h.orc.CloseServer()

	waitFor(t, 2*time.Second, func() bool {
		_, ok := h.reg.Get(uid)
		return !ok
	})
}

func TestFileIOPreparesCacheAndSendsInfo(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 3})
	h := newHarness(t, pkg)
	uid := h.reg.Add()

	rawPath := h.cache.RawPath("demo.ring")
	if err := os.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(rawPath, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("write raw input: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Keep the heartbeat worker from pinging (and evicting) the client.
	h.orc.cfg.HeartbeatInterval = time.Hour
	h.orc.Start(ctx)
	defer h.orc.CloseServer()

	h.reg.SetSimID(uid, "demo.ring")
	h.orc.FileRequestQueue().Enqueue(router.FileRequest{SenderUID: uid, FileName: "demo.ring", FrameNumber: -1})

	waitFor(t, time.Second, func() bool {
		return h.sender.textCount(uid) > 0
	})
}

func TestFileIOAbandonsStaleRequest(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 3})
	h := newHarness(t, pkg)
	uid := h.reg.Add()
	h.reg.SetSimID(uid, "other.ring")

	rawPath := h.cache.RawPath("demo.ring")
	if err := os.MkdirAll(filepath.Dir(rawPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(rawPath, []byte("placeholder"), 0o644); err != nil {
		t.Fatalf("write raw input: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Keep the heartbeat worker from pinging (and evicting) the client.
	h.orc.cfg.HeartbeatInterval = time.Hour
	h.orc.Start(ctx)
	defer h.orc.CloseServer()

	// Client's current simId ("other.ring") no longer matches the queued
	// request ("demo.ring"); the request must be dropped silently.
	h.orc.FileRequestQueue().Enqueue(router.FileRequest{SenderUID: uid, FileName: "demo.ring", FrameNumber: -1})

	time.Sleep(100 * time.Millisecond)
	if h.sender.textCount(uid) != 0 {
		t.Fatalf("expected stale request to be abandoned, got %d text sends", h.sender.textCount(uid))
	}
}

func TestSeekQueueBypassesFileIOAndSendsDirectly(t *testing.T) {
	pkg := reference.New(reference.Config{AgentCount: 1, TotalFrames: 5})
	h := newHarness(t, pkg)
	uid := h.reg.Add()
	h.reg.SetSimID(uid, "live")

	if err := h.sim.ResetLive("live"); err != nil {
		t.Fatalf("ResetLive: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Keep the heartbeat worker from pinging (and evicting) the client.
	h.orc.cfg.HeartbeatInterval = time.Hour
	h.orc.Start(ctx)
	defer h.orc.CloseServer()

	waitFor(t, time.Second, func() bool {
		return h.cache.NumFrames("live") > 0
	})

	before := h.sender.binaryCount(uid)
	h.orc.SeekRequestQueue().Enqueue(router.FileRequest{SenderUID: uid, FileName: "live", FrameNumber: 0})

	waitFor(t, time.Second, func() bool {
		return h.sender.binaryCount(uid) > before
	})
	if h.sender.textCount(uid) != 0 {
		t.Fatalf("expected seek dispatch to skip trajectory-file-info, got %d text sends", h.sender.textCount(uid))
	}
}
