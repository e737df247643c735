// Package jobs drives "start, then poll for incremental output" server
// operations (diagnostics, speed tests, self-checks) to completion.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fwdctl/internal/clock"
	"fwdctl/internal/model"
	"fwdctl/internal/notify"
)

var (
	// ErrJobTimeout is set on jobs whose poll budget ran out before the
	// server reported them done.
	ErrJobTimeout = errors.New("job did not finish within its poll budget")
	// ErrJobCancelled is set on jobs stopped by Cancel, Close or a newer
	// Start for the same node and kind.
	ErrJobCancelled = errors.New("job polling cancelled")
	// ErrPollerClosed is returned by Start after Close.
	ErrPollerClosed = errors.New("job poller closed")
)

// Result is one poll response. Content is the server's whole output
// buffer so far.
type Result struct {
	Content string
	Done    bool
	TimeMs  int64
}

// Runner performs the job operations against a backend.
type Runner interface {
	Start(ctx context.Context, nodeID string, kind model.JobKind) (requestID string, err error)
	Result(ctx context.Context, nodeID string, kind model.JobKind, requestID string) (Result, error)
}

// Canceler is implemented by runners that can release a started job. The
// poller calls it, outside its lock, for jobs that are cancelled, replaced
// or run out of poll budget.
type Canceler interface {
	Cancel(nodeID string, kind model.JobKind, requestID string)
}

// Status is the lifecycle state of a polled job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Snapshot is a copy of a job's state.
type Snapshot struct {
	RequestID  string
	NodeID     string
	Kind       model.JobKind
	CreatedAt  time.Time
	LastPollAt time.Time
	Attempts   int
	Done       bool
	Status     Status
	Content    string
	TimeMs     int64
	Err        error
}

type key struct {
	node string
	kind model.JobKind
}

type job struct {
	Snapshot
	key     key
	profile Profile
	timer   clock.Timer
	ctx     context.Context
	cancel  context.CancelFunc
}

// Poller runs at most one poll loop per (node, kind). Every loop holds a
// single pending timer; the next poll is only scheduled once the previous
// response has been applied.
type Poller struct {
	runner   Runner
	clock    clock.Clock
	log      zerolog.Logger
	profiles Profiles

	mu     sync.Mutex
	jobs   map[key]*job
	gen    uint64
	latest map[key]uint64 // newest Start or Cancel per key
	closed bool
	nextID int
	subs   map[int]func(Snapshot)

	events notify.Queue
}

// Options configures a Poller.
type Options struct {
	Clock    clock.Clock
	Logger   zerolog.Logger
	Profiles Profiles
}

// NewPoller creates a poller backed by runner.
func NewPoller(runner Runner, opts Options) *Poller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Poller{
		runner:   runner,
		clock:    clk,
		log:      opts.Logger.With().Str("component", "jobs").Logger(),
		profiles: opts.Profiles,
		jobs:     make(map[key]*job),
		latest:   make(map[key]uint64),
		subs:     make(map[int]func(Snapshot)),
	}
}

// Subscribe calls fn after every change to any job.
func (p *Poller) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Start cancels any loop already running for (nodeID, kind), starts a new
// job through the runner and begins polling it. Errors from the runner's
// Start are returned as is; no loop is created for them.
func (p *Poller) Start(ctx context.Context, nodeID string, kind model.JobKind) (Snapshot, error) {
	k := key{node: nodeID, kind: kind}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Snapshot{}, ErrPollerClosed
	}
	release := p.stopLocked(k)
	p.gen++
	gen := p.gen
	p.latest[k] = gen
	p.mu.Unlock()
	release()
	p.events.Drain()

	requestID, err := p.runner.Start(ctx, nodeID, kind)
	if err != nil {
		p.log.Warn().Err(err).Str("node", nodeID).Str("kind", string(kind)).Msg("job start failed")
		return Snapshot{}, fmt.Errorf("start %s on node %s: %w", kind, nodeID, err)
	}

	p.mu.Lock()
	if p.closed || p.latest[k] != gen {
		p.mu.Unlock()
		p.releaseFunc(nodeID, kind, requestID)()
		p.log.Debug().Str("node", nodeID).Str("kind", string(kind)).Str("request", requestID).Msg("job superseded before polling began")
		return Snapshot{RequestID: requestID, NodeID: nodeID, Kind: kind, Status: StatusCancelled, Err: ErrJobCancelled}, ErrJobCancelled
	}
	jobCtx, cancel := context.WithCancel(context.Background())
	j := &job{
		Snapshot: Snapshot{
			RequestID: requestID,
			NodeID:    nodeID,
			Kind:      kind,
			CreatedAt: p.clock.Now(),
			Status:    StatusRunning,
		},
		key:     k,
		profile: p.profiles.For(kind),
		ctx:     jobCtx,
		cancel:  cancel,
	}
	p.jobs[k] = j
	p.scheduleLocked(j)
	snap := j.Snapshot
	p.publishLocked(snap)
	p.mu.Unlock()

	p.log.Info().Str("node", nodeID).Str("kind", string(kind)).Str("request", requestID).
		Dur("interval", j.profile.Interval).Int("budget", j.profile.MaxAttempts).Msg("job started")
	p.events.Drain()
	return snap, nil
}

// Status returns the job for (nodeID, kind), including finished jobs that
// have not been cancelled or replaced.
func (p *Poller) Status(nodeID string, kind model.JobKind) (Snapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	j, ok := p.jobs[key{node: nodeID, kind: kind}]
	if !ok {
		return Snapshot{}, false
	}
	return j.Snapshot, true
}

// Jobs returns every tracked job ordered by node and kind.
func (p *Poller) Jobs() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Snapshot, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, j.Snapshot)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Cancel stops polling (nodeID, kind) and forgets the job. It reports
// whether a job was tracked. A Start still waiting on the runner is
// superseded as well.
func (p *Poller) Cancel(nodeID string, kind model.JobKind) bool {
	k := key{node: nodeID, kind: kind}
	p.mu.Lock()
	p.gen++
	p.latest[k] = p.gen
	_, existed := p.jobs[k]
	release := p.stopLocked(k)
	p.mu.Unlock()
	release()
	p.events.Drain()
	return existed
}

// Close cancels every job. Start fails afterwards.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	var releases []func()
	for k := range p.jobs {
		releases = append(releases, p.stopLocked(k))
	}
	p.mu.Unlock()
	for _, release := range releases {
		release()
	}
	p.events.Drain()
}

// stopLocked removes the job for k, cancelling it if it is still running.
// The returned func tells the runner and must be called without p.mu held.
func (p *Poller) stopLocked(k key) (release func()) {
	j, ok := p.jobs[k]
	if !ok {
		return func() {}
	}
	delete(p.jobs, k)
	if j.Status != StatusRunning {
		return func() {}
	}
	p.finishLocked(j)
	j.Status = StatusCancelled
	j.Err = ErrJobCancelled
	p.log.Info().Str("node", j.NodeID).Str("kind", string(j.Kind)).Str("request", j.RequestID).Msg("job cancelled")
	p.publishLocked(j.Snapshot)
	return p.releaseFunc(j.NodeID, j.Kind, j.RequestID)
}

func (p *Poller) releaseFunc(nodeID string, kind model.JobKind, requestID string) func() {
	c, ok := p.runner.(Canceler)
	if !ok {
		return func() {}
	}
	return func() { c.Cancel(nodeID, kind, requestID) }
}

func (p *Poller) scheduleLocked(j *job) {
	j.timer = p.clock.AfterFunc(j.profile.Interval, func() { p.poll(j) })
}

func (p *Poller) finishLocked(j *job) {
	if j.timer != nil {
		j.timer.Stop()
		j.timer = nil
	}
	j.cancel()
}

// activeLocked reports whether j is still the live loop for its key.
func (p *Poller) activeLocked(j *job) bool {
	return p.jobs[j.key] == j && j.Status == StatusRunning
}

func (p *Poller) poll(j *job) {
	p.mu.Lock()
	if !p.activeLocked(j) {
		p.mu.Unlock()
		return
	}
	j.timer = nil
	ctx, nodeID, kind, requestID := j.ctx, j.NodeID, j.Kind, j.RequestID
	p.mu.Unlock()

	res, err := p.runner.Result(ctx, nodeID, kind, requestID)

	p.mu.Lock()
	if !p.activeLocked(j) {
		p.mu.Unlock()
		p.log.Debug().Str("node", nodeID).Str("kind", string(kind)).Msg("discarding result for stale job")
		return
	}
	j.Attempts++
	j.LastPollAt = p.clock.Now()
	log := p.log.With().Str("node", nodeID).Str("kind", string(kind)).Int("attempt", j.Attempts).Logger()

	if err != nil {
		log.Debug().Err(err).Msg("job poll failed, retrying")
	} else {
		merged, replaced := Merge(j.Content, res.Content)
		if replaced && j.Content != "" {
			log.Debug().Int("was", len(j.Content)).Int("now", len(merged)).Msg("job output resynchronised")
		}
		j.Content = merged
		j.TimeMs = res.TimeMs
		if res.Done {
			j.Done = true
			j.Status = StatusDone
		}
	}

	release := func() {}
	switch {
	case j.Status == StatusDone:
		p.finishLocked(j)
		log.Info().Int64("time_ms", j.TimeMs).Msg("job done")
	case j.Attempts >= j.profile.MaxAttempts:
		p.finishLocked(j)
		j.Status = StatusTimedOut
		j.Err = ErrJobTimeout
		release = p.releaseFunc(nodeID, kind, requestID)
		log.Warn().Dur("ceiling", j.profile.Ceiling()).Msg("job poll budget exhausted")
	default:
		p.scheduleLocked(j)
	}
	p.publishLocked(j.Snapshot)
	p.mu.Unlock()
	release()
	p.events.Drain()
}

func (p *Poller) publishLocked(snap Snapshot) {
	for _, fn := range p.subs {
		fn := fn
		p.events.Push(func() { fn(snap) })
	}
}
