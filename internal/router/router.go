// Package router decodes inbound WebSocket JSON envelopes, applies
// sequencing/freshness gating, and dispatches each recognized message type
// to the simulation driver and client registry.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"simularium/broker/internal/input"
	"simularium/broker/internal/logging"
	"simularium/broker/internal/registry"
)

// MsgType is the numeric wire code carried by every JSON envelope. Codes are
// part of the wire contract and must remain stable.
type MsgType int

const (
	MsgVisDataRequest MsgType = iota
	MsgVisDataPause
	MsgVisDataResume
	MsgVisDataAbort
	MsgUpdateTimeStep
	MsgUpdateRateParam
	MsgModelDefinition
	MsgHeartbeatPong
	MsgHeartbeatPing // server -> client only
	MsgGotoSimulationTime
	MsgInitTrajectoryFile
	MsgTrajectoryFileInfo // server -> client only
)

// Mode selects a trajectory source for vis-data-request.
type Mode string

const (
	ModeLive     Mode = "live"
	ModePrerun   Mode = "prerun"
	ModePlayback Mode = "playback"
)

// FileRequest mirrors the FIFO entry the FileIO worker drains. FrameNumber
// below zero means "initialize only, no specific frame requested".
type FileRequest struct {
	SenderUID   string
	FileName    string
	FrameNumber int64
}

// FileRequestQueue is the append side of the FileIO worker's FIFO.
type FileRequestQueue interface {
	Enqueue(FileRequest)
}

// SeekQueue is the append side of the SimTick worker's direct single-frame
// send path. Unlike FileRequestQueue, a SeekQueue entry never triggers cache
// preparation: it is drained straight into Broadcaster.SendSingleFrameToClient
// on an already-loaded trajectory.
type SeekQueue interface {
	Enqueue(FileRequest)
}

// SimulationDriver is the subset of Simulation the router needs to mutate
// per the dispatch table in the envelope below. Defined here, satisfied by
// internal/simulation, so router has no compile-time dependency on the
// simulation package's internals.
type SimulationDriver interface {
	ResetLive(simID string) error
	Prerun(simID string, timeStepNs float64, numTimeSteps int) error
	UpdateTimeStep(dtNs float64)
	UpdateRateParam(name string, value float64) error
	SetModel(raw []byte) error
	GetClosestFrameNumberForTime(simID string, timeNs float64) (uint32, error)
}

// envelope is the JSON shape of every inbound message.
type envelope struct {
	MsgType      int             `json:"msgType"`
	ConnID       string          `json:"connId,omitempty"`
	Mode         string          `json:"mode,omitempty"`
	FileName     string          `json:"file-name,omitempty"`
	FrameNumber  *int64          `json:"frameNumber,omitempty"`
	TimeStep     float64         `json:"timeStep,omitempty"`
	NumTimeSteps int             `json:"numTimeSteps,omitempty"`
	Time         string          `json:"time,omitempty"`
	Name         string          `json:"name,omitempty"`
	Value        float64         `json:"value,omitempty"`
	Model        json.RawMessage `json:"model,omitempty"`
}

var (
	errEmptyPayload  = errors.New("router: empty message payload")
	errUnknownMsg    = errors.New("router: unknown msgType")
	errActiveGuard   = errors.New("router: another client is already active on this trajectory")
	errMissingClient = errors.New("router: unknown connId")
)

// cachedUpdate is the most recent model-definition / rate-param message,
// replayed to late joiners so they do not miss configuration sent before
// they connected.
type cachedUpdate struct {
	model     json.RawMessage
	rateName  string
	rateValue float64
	haveRate  bool
}

// MessageRouter dispatches the full inbound message table against a
// ClientRegistry and a SimulationDriver.
type MessageRouter struct {
	registry  *registry.Registry
	sim       SimulationDriver
	fileQueue FileRequestQueue
	seekQueue SeekQueue
	gate      *input.Gate
	log       *logging.Logger

	mu      sync.Mutex
	seq     map[string]uint64
	cache   map[string]*cachedUpdate // keyed by simID
}

// New constructs a router wired to the supplied collaborators.
func New(reg *registry.Registry, sim SimulationDriver, fileQueue FileRequestQueue, seekQueue SeekQueue, gate *input.Gate, logger *logging.Logger) *MessageRouter {
	if logger == nil {
		logger = logging.L()
	}
	return &MessageRouter{
		registry:  reg,
		sim:       sim,
		fileQueue: fileQueue,
		seekQueue: seekQueue,
		gate:      gate,
		log:       logger,
		seq:       make(map[string]uint64),
		cache:     make(map[string]*cachedUpdate),
	}
}

// Dispatch decodes raw and routes it per the msgType table. uid identifies
// the sending connection and must already be present in the registry.
func (r *MessageRouter) Dispatch(uid string, raw []byte) error {
	if len(raw) == 0 {
		return errEmptyPayload
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("router: decode envelope: %w", err)
	}
	client, ok := r.registry.Get(uid)
	if !ok {
		return errMissingClient
	}

	if r.gate != nil && requiresFreshness(MsgType(env.MsgType)) {
		frame := input.Frame{ClientID: uid, SequenceID: r.nextSeq(uid)}
		decision := r.gate.Evaluate(frame)
		if !decision.Accepted {
			r.log.Debug("router: dropping message", logging.String("reason", decision.Reason.String()), logging.String("client_id", uid))
			return nil
		}
	}

	switch MsgType(env.MsgType) {
	case MsgVisDataRequest:
		return r.handleVisDataRequest(uid, client, env)
	case MsgVisDataPause:
		r.registry.SetPlayState(uid, registry.Paused)
		return nil
	case MsgVisDataResume:
		r.registry.SetPlayState(uid, registry.Playing)
		return nil
	case MsgVisDataAbort:
		r.registry.SetPlayState(uid, registry.Stopped)
		return nil
	case MsgUpdateTimeStep:
		r.sim.UpdateTimeStep(env.TimeStep)
		return nil
	case MsgUpdateRateParam:
		if err := r.sim.UpdateRateParam(env.Name, env.Value); err != nil {
			return fmt.Errorf("router: update rate param: %w", err)
		}
		r.rememberRateParam(client.SimID, env.Name, env.Value)
		return nil
	case MsgModelDefinition:
		if err := r.sim.SetModel(env.Model); err != nil {
			return fmt.Errorf("router: set model: %w", err)
		}
		r.rememberModel(client.SimID, env.Model)
		return nil
	case MsgHeartbeatPong:
		r.registry.RegisterHeartbeat(uid)
		return nil
	case MsgGotoSimulationTime:
		return r.handleGotoTime(uid, client, env)
	case MsgInitTrajectoryFile:
		r.registry.SetSimID(uid, env.FileName)
		r.fileQueue.Enqueue(FileRequest{SenderUID: uid, FileName: env.FileName, FrameNumber: -1})
		return nil
	default:
		r.log.Warn("router: unrecognized msgType", logging.Field{Key: "msg_type", Value: env.MsgType})
		return errUnknownMsg
	}
}

// requiresFreshness reports whether a message type is debounced through the
// sequencing gate. Only the high-frequency control messages are gated;
// one-shot lifecycle transitions are always honored.
func requiresFreshness(t MsgType) bool {
	switch t {
	case MsgUpdateTimeStep, MsgUpdateRateParam:
		return true
	default:
		return false
	}
}

func (r *MessageRouter) nextSeq(uid string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[uid]++
	return r.seq[uid]
}

func (r *MessageRouter) handleVisDataRequest(uid string, client *registry.ClientState, env envelope) error {
	mode := Mode(env.Mode)
	var simID string
	switch mode {
	case ModeLive:
		simID = "live"
	case ModePrerun:
		simID = "prerun"
	case ModePlayback:
		simID = env.FileName
	default:
		return fmt.Errorf("router: unrecognized vis-data-request mode %q", env.Mode)
	}

	if !r.guardSingleActiveClient(uid, simID, mode) {
		return errActiveGuard
	}

	r.registry.SetSimID(uid, simID)

	switch mode {
	case ModeLive:
		if err := r.sim.ResetLive(simID); err != nil {
			return fmt.Errorf("router: reset live: %w", err)
		}
		r.registry.SetPlayState(uid, registry.Playing)
	case ModePrerun:
		if err := r.sim.Prerun(simID, env.TimeStep, env.NumTimeSteps); err != nil {
			return fmt.Errorf("router: prerun: %w", err)
		}
		r.registry.SetPlayState(uid, registry.Playing)
	case ModePlayback:
		frameNumber := int64(-1)
		if env.FrameNumber != nil {
			frameNumber = *env.FrameNumber
		}
		r.fileQueue.Enqueue(FileRequest{SenderUID: uid, FileName: env.FileName, FrameNumber: frameNumber})
		if env.FrameNumber == nil {
			r.registry.SetPlayState(uid, registry.Playing)
		} else {
			r.registry.SetPlayState(uid, registry.Paused)
		}
	}
	return nil
}

// guardSingleActiveClient enforces: a new client may not claim a trajectory
// another client is actively streaming, unless the mode is playback (which
// explicitly allows many concurrent files) or this is the only connection.
func (r *MessageRouter) guardSingleActiveClient(uid, simID string, mode Mode) bool {
	if mode == ModePlayback {
		return true
	}
	if r.registry.Count() <= 1 {
		return true
	}
	active := r.registry.ActiveStreamers(simID)
	for _, other := range active {
		if other != uid {
			return false
		}
	}
	return true
}

// handleGotoTime resolves the requested time to a frame number and hands it
// to the SimTick worker's direct single-frame send path (the SeekQueue),
// never the FileIO prep queue: the trajectory is assumed already loaded, so
// no cache (re)download/convert/build/upload chain should run for a seek.
func (r *MessageRouter) handleGotoTime(uid string, client *registry.ClientState, env envelope) error {
	var timeNs float64
	if _, err := fmt.Sscanf(env.Time, "%g", &timeNs); err != nil {
		return fmt.Errorf("router: invalid goto-simulation-time payload: %w", err)
	}
	frameNumber, err := r.sim.GetClosestFrameNumberForTime(client.SimID, timeNs)
	if err != nil {
		return fmt.Errorf("router: resolve time to frame: %w", err)
	}
	frame := int64(frameNumber)
	r.seekQueue.Enqueue(FileRequest{SenderUID: uid, FileName: client.SimID, FrameNumber: frame})
	return nil
}

func (r *MessageRouter) rememberModel(simID string, raw json.RawMessage) {
	if simID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[simID]
	if !ok {
		c = &cachedUpdate{}
		r.cache[simID] = c
	}
	c.model = raw
}

func (r *MessageRouter) rememberRateParam(simID, name string, value float64) {
	if simID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cache[simID]
	if !ok {
		c = &cachedUpdate{}
		r.cache[simID] = c
	}
	c.rateName = name
	c.rateValue = value
	c.haveRate = true
}

// CatchUp returns the most recent model-definition and rate-param payloads
// cached for simID, for replay to a newly joined client. ok reports whether
// anything has ever been recorded for this trajectory.
func (r *MessageRouter) CatchUp(simID string) (model json.RawMessage, rateName string, rateValue float64, haveRate bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, found := r.cache[simID]
	if !found {
		return nil, "", 0, false, false
	}
	return c.model, c.rateName, c.rateValue, c.haveRate, true
}

// Forget clears per-client sequencing state, called on disconnect.
func (r *MessageRouter) Forget(uid string) {
	r.mu.Lock()
	delete(r.seq, uid)
	r.mu.Unlock()
	if r.gate != nil {
		r.gate.Forget(uid)
	}
}
