// Package orchestrator runs the four long-lived workers that drive the
// broker once a connection is established: Listen dispatches inbound
// messages as they arrive, SimTick advances live simulation and streams
// broadcast slices, Heartbeat evicts unresponsive clients, and FileIO
// prepares and publishes binary trajectory caches off the network path.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"simularium/broker/internal/broadcast"
	"simularium/broker/internal/logging"
	"simularium/broker/internal/metrics"
	"simularium/broker/internal/registry"
	"simularium/broker/internal/router"
	"simularium/broker/internal/simpkg"
	"simularium/broker/internal/simulation"
	"simularium/broker/internal/trajfile"
)

// InboundMessage is a raw text frame handed off by the wire layer's read
// pump, identifying which connection it arrived on.
type InboundMessage struct {
	UID     string
	Payload []byte
}

// Cache is the subset of trajcache.Cache the FileIO worker drives.
type Cache interface {
	FindFile(ctx context.Context, name string) bool
	FindSimulariumFile(ctx context.Context, name, stem string) (bool, error)
	DownloadRuntimeCache(ctx context.Context, name string) (bool, error)
	BuildCache(name string, pkg simpkg.SimPkg, rawPath string) error
	UploadRuntimeCache(ctx context.Context, name string) error
	DeleteTmpFiles(id string) []string
	Get(id string) (*trajfile.File, simpkg.TrajectoryFileProperties, bool)
	RawPath(id string) string
}

// Simulator is the subset of Simulation the SimTick worker drives.
type Simulator interface {
	RunTimeStep(dtNs float64) error
}

// Sender delivers both text (JSON control) and binary (frame slice) frames
// to a specific connection; satisfied by internal/wire's Hub.
type Sender interface {
	SendBinary(uid string, payload []byte) error
	SendText(uid string, payload []byte) error
}

// trajectoryFileInfo is the server -> client payload for MsgTrajectoryFileInfo.
type trajectoryFileInfo struct {
	MsgType  int                             `json:"msgType"`
	FileName string                          `json:"file-name"`
	Props    simpkg.TrajectoryFileProperties `json:"properties"`
}

// catchUpPayload replays a cached model-definition / rate-param update to a
// client that joined after it was originally sent.
type catchUpPayload struct {
	MsgType int             `json:"msgType"`
	Model   json.RawMessage `json:"model,omitempty"`
	Name    string          `json:"name,omitempty"`
	Value   float64         `json:"value,omitempty"`
}

// heartbeatPing is the server -> client keepalive probe.
type heartbeatPing struct {
	MsgType int `json:"msgType"`
}

// Config wires an Orchestrator's collaborators and tunables.
type Config struct {
	Registry    *registry.Registry
	Router      *router.MessageRouter
	Broadcaster *broadcast.Engine
	Sim         Simulator
	Cache       Cache
	Pkgs        []simpkg.SimPkg
	Sender      Sender
	Logger      *logging.Logger
	Metrics     *metrics.Collectors

	SimTickInterval     time.Duration
	HeartbeatInterval   time.Duration
	FileIOInterval      time.Duration
	NoClientTimeout     time.Duration
	NoTimeout           bool
	ForceInit           bool
	NoUpload            bool
	InboundBufferSize   int
}

// Orchestrator runs the Listen/SimTick/Heartbeat/FileIO worker loop.
type Orchestrator struct {
	cfg Config
	log *logging.Logger

	inbound chan InboundMessage
	queue   *fileQueue
	seeks   *fileQueue

	running int32
	wg      sync.WaitGroup
	stop    chan struct{}

	shutdownOnce sync.Once
	shutdown     chan struct{}

	mu        sync.Mutex
	caughtUp  map[string]bool
	idleSince time.Time
}

// ShutdownRequested reports the no-client-timeout condition (§5, "No
// clients for > 30 s → whole-server shutdown"): it is closed once the
// Heartbeat worker observes zero connected clients for longer than
// Config.NoClientTimeout, unless Config.NoTimeout suppresses the check.
// main.go selects on this alongside OS signals to begin a cooperative
// shutdown.
func (o *Orchestrator) ShutdownRequested() <-chan struct{} {
	return o.shutdown
}

// New constructs an Orchestrator ready to Start. Zero-value interval fields
// fall back to the fixed defaults in internal/config.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = logging.L()
	}
	if cfg.SimTickInterval <= 0 {
		cfg.SimTickInterval = 200 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.FileIOInterval <= 0 {
		cfg.FileIOInterval = 100 * time.Millisecond
	}
	if cfg.NoClientTimeout <= 0 {
		cfg.NoClientTimeout = 30 * time.Second
	}
	if cfg.InboundBufferSize <= 0 {
		cfg.InboundBufferSize = 256
	}
	return &Orchestrator{
		cfg:      cfg,
		log:      cfg.Logger,
		inbound:  make(chan InboundMessage, cfg.InboundBufferSize),
		queue:    newFileQueue(),
		seeks:    newFileQueue(),
		caughtUp: make(map[string]bool),
		shutdown: make(chan struct{}),
	}
}

// SetRouter wires the message router after construction, breaking the
// construction cycle between Orchestrator (which the router's FIFO target
// must already exist to build) and MessageRouter (which Config.Router
// needs). Must be called before Start.
func (o *Orchestrator) SetRouter(r *router.MessageRouter) { o.cfg.Router = r }

// SetSender wires the outbound transport after construction, breaking the
// construction cycle between Orchestrator and the transport (e.g.
// wire.Hub), which itself needs the Orchestrator as its Dispatcher. Must be
// called before Start.
func (o *Orchestrator) SetSender(s Sender) { o.cfg.Sender = s }

// SetBroadcaster wires the broadcast engine after construction, since the
// engine's Sender is usually the same transport wired via SetSender. Must
// be called before Start.
func (o *Orchestrator) SetBroadcaster(b *broadcast.Engine) { o.cfg.Broadcaster = b }

// FileRequestQueue exposes the orchestrator's FIFO to the router, satisfying
// router.FileRequestQueue. Wire Config.Router up to this before Start.
func (o *Orchestrator) FileRequestQueue() router.FileRequestQueue {
	return o.queue
}

// SeekRequestQueue exposes the SimTick worker's direct single-frame send
// FIFO to the router, satisfying router.SeekQueue. Wire Config.Router up to
// this before Start.
func (o *Orchestrator) SeekRequestQueue() router.SeekQueue {
	return o.seeks
}

// Submit hands an inbound text frame to the Listen worker. Called by the
// wire layer's per-connection read pump.
func (o *Orchestrator) Submit(uid string, payload []byte) {
	select {
	case o.inbound <- InboundMessage{UID: uid, Payload: payload}:
	default:
		o.log.Warn("orchestrator: inbound queue saturated, dropping message", logging.String("client_id", uid))
	}
}

// Disconnect releases every resource tracked for uid, called by the wire
// layer when a connection closes.
func (o *Orchestrator) Disconnect(uid string) {
	o.cfg.Registry.Remove(uid)
	o.cfg.Router.Forget(uid)
	o.cfg.Broadcaster.Forget(uid)
	o.mu.Lock()
	delete(o.caughtUp, uid)
	o.mu.Unlock()
}

// Start launches the four workers. Stop (or ctx cancellation) joins them.
func (o *Orchestrator) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&o.running, 0, 1) {
		return
	}
	o.stop = make(chan struct{})
	o.mu.Lock()
	o.idleSince = time.Now()
	o.mu.Unlock()

	o.wg.Add(4)
	go o.runListen(ctx)
	go o.runSimTick(ctx)
	go o.runHeartbeat(ctx)
	go o.runFileIO(ctx)
}

// CloseServer signals every worker to exit and waits for them to finish.
func (o *Orchestrator) CloseServer() {
	if !atomic.CompareAndSwapInt32(&o.running, 1, 0) {
		return
	}
	close(o.stop)
	o.wg.Wait()
}

// runListen dispatches inbound messages to the router as they arrive.
func (o *Orchestrator) runListen(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case msg := <-o.inbound:
			if err := o.cfg.Router.Dispatch(msg.UID, msg.Payload); err != nil {
				o.log.Debug("orchestrator: dispatch failed", logging.String("client_id", msg.UID), logging.Error(err))
				if o.cfg.Metrics != nil {
					o.cfg.Metrics.DispatchErrors.WithLabelValues("dispatch").Inc()
				}
			}
		}
	}
}

// runSimTick advances live simulation and streams broadcast slices. The
// fixed-timestep accumulator loop itself is simulation.Loop; this worker
// only supplies the per-tick step function and ties the loop's lifetime to
// the orchestrator's own shutdown signal.
func (o *Orchestrator) runSimTick(ctx context.Context) {
	defer o.wg.Done()
	dtNs := float64(o.cfg.SimTickInterval.Nanoseconds())
	hz := float64(time.Second) / float64(o.cfg.SimTickInterval)
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop := simulation.NewLoop(hz, func(time.Duration) {
		o.sendCatchUps()
		if err := o.cfg.Sim.RunTimeStep(dtNs); err != nil {
			o.log.Warn("orchestrator: run time step failed", logging.Error(err))
		}
		o.dispatchSeeks()
		o.cfg.Broadcaster.Tick()
	})
	loop.Start(loopCtx)
	select {
	case <-ctx.Done():
	case <-o.stop:
	}
	cancel()
	loop.Stop()
}

// sendCatchUps replays the most recent model/rate-param update to every
// client that has not yet received one for its current TrajID.
func (o *Orchestrator) sendCatchUps() {
	for _, client := range o.cfg.Registry.Snapshot() {
		if client.SimID == "" {
			continue
		}
		o.mu.Lock()
		already := o.caughtUp[client.UID]
		o.mu.Unlock()
		if already {
			continue
		}
		model, rateName, rateValue, haveRate, ok := o.cfg.Router.CatchUp(client.SimID)
		if !ok {
			continue
		}
		if len(model) > 0 {
			o.sendJSON(client.UID, catchUpPayload{MsgType: int(router.MsgModelDefinition), Model: model})
		}
		if haveRate {
			o.sendJSON(client.UID, catchUpPayload{MsgType: int(router.MsgUpdateRateParam), Name: rateName, Value: rateValue})
		}
		o.mu.Lock()
		o.caughtUp[client.UID] = true
		o.mu.Unlock()
	}
}

// dispatchSeeks drains the SeekQueue and delivers each resolved frame
// directly through the broadcaster, bypassing the FileIO prep queue
// entirely: a goto-simulation-time request targets a trajectory already
// loaded, so no download/convert/build/upload chain belongs on this path.
func (o *Orchestrator) dispatchSeeks() {
	for _, req := range o.seeks.drain() {
		client, ok := o.cfg.Registry.Get(req.SenderUID)
		if !ok || client.SimID != req.FileName {
			continue
		}
		if err := o.cfg.Broadcaster.SendSingleFrameToClient(req.SenderUID, req.FileName, uint32(req.FrameNumber)); err != nil {
			o.log.Warn("orchestrator: send seek frame failed", logging.String("name", req.FileName), logging.Error(err))
		}
	}
}

// runHeartbeat evicts unresponsive clients and pings survivors.
func (o *Orchestrator) runHeartbeat(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			o.heartbeatTick()
		}
	}
}

func (o *Orchestrator) heartbeatTick() {
	clients := o.cfg.Registry.Snapshot()
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.ConnectedClients.Set(float64(len(clients)))
	}
	o.mu.Lock()
	if len(clients) > 0 {
		o.idleSince = time.Time{}
	} else if o.idleSince.IsZero() {
		o.idleSince = time.Now()
	}
	idleSince := o.idleSince
	o.mu.Unlock()

	if !o.cfg.NoTimeout && len(clients) == 0 && !idleSince.IsZero() && time.Since(idleSince) > o.cfg.NoClientTimeout {
		o.log.Info("orchestrator: no clients connected past timeout, requesting shutdown", logging.String("timeout", o.cfg.NoClientTimeout.String()))
		o.shutdownOnce.Do(func() { close(o.shutdown) })
	}

	for _, client := range clients {
		if _, ok := o.cfg.Registry.MarkExpired(client.UID); !ok {
			continue
		}
	}
	expired := o.cfg.Registry.SweepExpired()
	for _, uid := range expired {
		o.log.Info("orchestrator: evicting unresponsive client", logging.String("client_id", uid))
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.ClientsEvicted.Inc()
		}
		o.cfg.Router.Forget(uid)
		o.cfg.Broadcaster.Forget(uid)
		o.mu.Lock()
		delete(o.caughtUp, uid)
		o.mu.Unlock()
	}

	for _, client := range o.cfg.Registry.Snapshot() {
		o.sendJSON(client.UID, heartbeatPing{MsgType: int(router.MsgHeartbeatPing)})
	}
}

// runFileIO drains the file-request FIFO and prepares each requested
// trajectory's binary cache off the network path.
func (o *Orchestrator) runFileIO(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.FileIOInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			for _, req := range o.queue.drain() {
				o.prepare(ctx, req)
			}
		}
	}
}

// prepare runs the fallback chain for one queued request. A request with a
// SenderUID is tied to a specific client (vis-data-request playback,
// init-trajectory-file) and is abandoned silently per spec.md §4.G step 1
// if that client has since disconnected or switched to a different simId;
// a request with no SenderUID is an operator-triggered forced rebuild
// (httpapi's CacheRebuildHandler) with no client to reconfirm.
func (o *Orchestrator) prepare(ctx context.Context, req router.FileRequest) {
	if req.SenderUID != "" {
		client, ok := o.cfg.Registry.Get(req.SenderUID)
		if !ok || client.SimID != req.FileName {
			return
		}
	}
	name := req.FileName
	if err := o.prepareCache(ctx, name); err != nil {
		o.log.Warn("orchestrator: prepare cache failed", logging.String("name", name), logging.Error(err))
		return
	}

	_, props, ok := o.cfg.Cache.Get(name)
	if ok && req.SenderUID != "" {
		o.sendJSON(req.SenderUID, trajectoryFileInfo{MsgType: int(router.MsgTrajectoryFileInfo), FileName: name, Props: props})
	}

	if req.SenderUID == "" {
		return
	}
	if req.FrameNumber >= 0 {
		if err := o.cfg.Broadcaster.SendSingleFrameToClient(req.SenderUID, name, uint32(req.FrameNumber)); err != nil {
			o.log.Warn("orchestrator: send requested frame failed", logging.String("name", name), logging.Error(err))
		}
		return
	}
	if err := o.cfg.Broadcaster.SendSingleFrameToClient(req.SenderUID, name, 0); err != nil {
		o.log.Debug("orchestrator: send initial frame failed", logging.String("name", name), logging.Error(err))
	}
}

// prepareCache implements the download -> convert -> build -> upload
// fallback chain: a pre-built runtime cache is reused when present, a raw
// `.simularium` JSON trajectory is converted when found, and otherwise the
// first SimPkg willing to load the raw input builds the cache from scratch.
func (o *Orchestrator) prepareCache(ctx context.Context, name string) error {
	if !o.cfg.ForceInit {
		if _, _, ok := o.cfg.Cache.Get(name); ok {
			return nil
		}
		if ok, err := o.cfg.Cache.DownloadRuntimeCache(ctx, name); err != nil {
			return fmt.Errorf("orchestrator: download runtime cache: %w", err)
		} else if ok {
			return nil
		}
	}

	if ok, err := o.cfg.Cache.FindSimulariumFile(ctx, name, name); err != nil {
		return fmt.Errorf("orchestrator: convert simularium file: %w", err)
	} else if ok {
		return o.publish(ctx, name)
	}

	if !o.cfg.Cache.FindFile(ctx, name) {
		return fmt.Errorf("orchestrator: no raw input available for %q", name)
	}
	rawPath := o.cfg.Cache.RawPath(name)
	for _, pkg := range o.cfg.Pkgs {
		if !pkg.CanLoadFile(rawPath) {
			continue
		}
		if err := o.cfg.Cache.BuildCache(name, pkg, rawPath); err != nil {
			return fmt.Errorf("orchestrator: build cache: %w", err)
		}
		return o.publish(ctx, name)
	}
	return fmt.Errorf("orchestrator: no SimPkg can load %q", name)
}

func (o *Orchestrator) publish(ctx context.Context, name string) error {
	defer o.cfg.Cache.DeleteTmpFiles(name)
	if o.cfg.NoUpload {
		return nil
	}
	if err := o.cfg.Cache.UploadRuntimeCache(ctx, name); err != nil {
		o.log.Warn("orchestrator: upload runtime cache failed", logging.String("name", name), logging.Error(err))
	}
	return nil
}

func (o *Orchestrator) sendJSON(uid string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		o.log.Warn("orchestrator: marshal outbound message failed", logging.Error(err))
		return
	}
	if err := o.cfg.Sender.SendText(uid, raw); err != nil {
		o.log.Debug("orchestrator: send text failed", logging.String("client_id", uid), logging.Error(err))
	}
}
