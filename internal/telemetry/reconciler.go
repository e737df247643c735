// Package telemetry turns push messages into per-node live state and
// derives throughput rates from the nodes' cumulative traffic counters.
package telemetry

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"fwdctl/internal/clock"
	"fwdctl/internal/model"
	"fwdctl/internal/notify"
	"fwdctl/internal/push"
)

// Recorder receives one rate sample per processed info sample.
type Recorder interface {
	Record(model.RateSample)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(model.RateSample)

func (f RecorderFunc) Record(s model.RateSample) { f(s) }

// Reconciler owns the live state of every node seen on the push channel.
// It implements push.Handler.
type Reconciler struct {
	clock    clock.Clock
	log      zerolog.Logger
	recorder Recorder

	mu     sync.Mutex
	nodes  map[string]*model.NodeLiveState
	nextID int
	// subs is keyed by node ID; the empty key receives every node.
	subs map[string]map[int]func(model.NodeLiveState)

	events notify.Queue
}

var _ push.Handler = (*Reconciler)(nil)

// New creates an empty reconciler. clk may be nil.
func New(clk clock.Clock, log zerolog.Logger) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Reconciler{
		clock: clk,
		log:   log.With().Str("component", "telemetry").Logger(),
		nodes: make(map[string]*model.NodeLiveState),
		subs:  make(map[string]map[int]func(model.NodeLiveState)),
	}
}

// SetRecorder installs r for rate samples. Pass nil to stop recording.
func (r *Reconciler) SetRecorder(rec Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recorder = rec
}

// Subscribe calls fn with the node's state after every change to it.
func (r *Reconciler) Subscribe(nodeID string, fn func(model.NodeLiveState)) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if r.subs[nodeID] == nil {
		r.subs[nodeID] = make(map[int]func(model.NodeLiveState))
	}
	r.subs[nodeID][id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs[nodeID], id)
		if len(r.subs[nodeID]) == 0 {
			delete(r.subs, nodeID)
		}
	}
}

// SubscribeAll calls fn after every change to any node.
func (r *Reconciler) SubscribeAll(fn func(model.NodeLiveState)) (unsubscribe func()) {
	return r.Subscribe("", fn)
}

// Snapshot returns a copy of the node's state.
func (r *Reconciler) Snapshot(nodeID string) (model.NodeLiveState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.nodes[nodeID]
	if !ok {
		return model.NodeLiveState{}, false
	}
	return *st, true
}

// Nodes returns copies of every tracked node, ordered by node ID.
func (r *Reconciler) Nodes() []model.NodeLiveState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.NodeLiveState, 0, len(r.nodes))
	for _, st := range r.nodes {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// HandleMessage routes a dispatched push message.
func (r *Reconciler) HandleMessage(msg push.Message) {
	switch msg.Type {
	case push.TypeStatus:
		r.OnStatus(msg.NodeID, msg.Data)
	case push.TypeInfo:
		r.OnInfo(msg.NodeID, msg.Data)
	}
}

// OnStatus sets the node's connectivity. Going offline also clears what
// was learned from info samples.
func (r *Reconciler) OnStatus(nodeID string, value json.RawMessage) {
	online, err := parseOnline(value)
	if err != nil {
		r.log.Warn().Err(err).Str("node", nodeID).Msg("dropping status sample")
		return
	}

	r.mu.Lock()
	st := r.nodeLocked(nodeID)
	st.Online = online
	if !online {
		st.ClearInfo()
	}
	st.UpdatedAt = r.clock.Now()
	r.publishLocked(*st)
	r.mu.Unlock()

	r.events.Drain()
}

// OnInfo applies an info sample. Empty or unparseable payloads leave the
// node untouched.
func (r *Reconciler) OnInfo(nodeID string, payload json.RawMessage) {
	in, err := parseInfo(payload)
	if err != nil {
		r.log.Debug().Err(err).Str("node", nodeID).Msg("ignoring info sample")
		return
	}

	now := r.clock.Now()
	r.mu.Lock()
	st := r.nodeLocked(nodeID)
	if st.HasInfo {
		st.SendRate, st.RecvRate = DeriveRates(st.Counters, in.Counters)
		if in.Counters.Uptime < st.Counters.Uptime {
			r.log.Debug().Str("node", nodeID).
				Int64("prev_uptime", st.Counters.Uptime).
				Int64("uptime", in.Counters.Uptime).
				Msg("counter reset")
		}
	} else {
		st.SendRate, st.RecvRate = 0, 0
	}
	st.Counters = in.Counters
	st.CPUPct = in.CPUPct
	st.MemPct = in.MemPct
	st.Flags = in.Flags
	st.HasInfo = true
	st.Online = true
	st.UpdatedAt = now

	rec := r.recorder
	sample := model.RateSample{
		Timestamp: now,
		NodeID:    nodeID,
		Uptime:    st.Counters.Uptime,
		SendRate:  st.SendRate,
		RecvRate:  st.RecvRate,
		CPUPct:    st.CPUPct,
		MemPct:    st.MemPct,
	}
	r.publishLocked(*st)
	if rec != nil {
		r.events.Push(func() { rec.Record(sample) })
	}
	r.mu.Unlock()

	r.events.Drain()
}

// ChannelClosed marks every node offline and drops its system info so
// consumers never show a stale online node after a disconnect.
func (r *Reconciler) ChannelClosed() {
	now := r.clock.Now()
	r.mu.Lock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		st := r.nodes[id]
		st.Online = false
		st.ClearInfo()
		st.UpdatedAt = now
		r.publishLocked(*st)
	}
	r.mu.Unlock()

	if len(ids) > 0 {
		r.log.Info().Int("nodes", len(ids)).Msg("push channel closed, nodes marked offline")
	}
	r.events.Drain()
}

func (r *Reconciler) nodeLocked(nodeID string) *model.NodeLiveState {
	st, ok := r.nodes[nodeID]
	if !ok {
		st = &model.NodeLiveState{NodeID: nodeID}
		r.nodes[nodeID] = st
	}
	return st
}

func (r *Reconciler) publishLocked(st model.NodeLiveState) {
	for _, key := range []string{st.NodeID, ""} {
		for _, fn := range r.subs[key] {
			fn := fn
			r.events.Push(func() { fn(st) })
		}
	}
}
