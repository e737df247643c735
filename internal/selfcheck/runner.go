package selfcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fwdctl/internal/jobs"
	"fwdctl/internal/model"
)

// ErrUnknownRequest is returned by Result for request IDs this runner did
// not start or has already reported as done.
var ErrUnknownRequest = errors.New("unknown self-check request")

// Runner executes self-checks locally. Each check probes the configured
// STUN servers in order, appending one line per server to its output, and
// finishes with the inferred NAT type.
type Runner struct {
	servers []string
	timeout time.Duration
	probe   ProbeFunc
	log     zerolog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

type run struct {
	out     strings.Builder
	done    bool
	started time.Time
	elapsed time.Duration
	cancel  context.CancelFunc
}

var (
	_ jobs.Runner   = (*Runner)(nil)
	_ jobs.Canceler = (*Runner)(nil)
)

// Options configures a Runner.
type Options struct {
	Servers []string
	Timeout time.Duration
	// Probe defaults to ProbeSTUN.
	Probe  ProbeFunc
	Logger zerolog.Logger
}

// NewRunner creates a self-check runner.
func NewRunner(opts Options) *Runner {
	probe := opts.Probe
	if probe == nil {
		probe = ProbeSTUN
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Runner{
		servers: append([]string(nil), opts.Servers...),
		timeout: timeout,
		probe:   probe,
		log:     opts.Logger.With().Str("component", "selfcheck").Logger(),
		runs:    make(map[string]*run),
	}
}

// Start launches a self-check in the background and returns its request
// ID. The check keeps running after ctx is done; Cancel or Close stop it.
func (r *Runner) Start(ctx context.Context, nodeID string, kind model.JobKind) (string, error) {
	if len(r.servers) == 0 {
		return "", fmt.Errorf("no STUN servers configured")
	}
	id := uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	rn := &run{started: time.Now(), cancel: cancel}
	fmt.Fprintf(&rn.out, "self-check for node %s via %d STUN server(s)\n", nodeID, len(r.servers))

	r.mu.Lock()
	r.runs[id] = rn
	r.mu.Unlock()

	r.log.Debug().Str("request", id).Str("node", nodeID).Msg("self-check started")
	go r.execute(runCtx, id, rn)
	return id, nil
}

// Result returns everything the check has written so far. A run is
// forgotten once its final result has been handed out.
func (r *Runner) Result(ctx context.Context, nodeID string, kind model.JobKind, requestID string) (jobs.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[requestID]
	if !ok {
		return jobs.Result{}, fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	res := jobs.Result{Content: rn.out.String(), Done: rn.done}
	if rn.done {
		res.TimeMs = rn.elapsed.Milliseconds()
		delete(r.runs, requestID)
	}
	return res, nil
}

// Cancel stops a running check and forgets it.
func (r *Runner) Cancel(nodeID string, kind model.JobKind, requestID string) {
	r.mu.Lock()
	rn, ok := r.runs[requestID]
	delete(r.runs, requestID)
	r.mu.Unlock()
	if ok {
		rn.cancel()
	}
}

// Close stops every running check.
func (r *Runner) Close() {
	r.mu.Lock()
	runs := r.runs
	r.runs = make(map[string]*run)
	r.mu.Unlock()
	for _, rn := range runs {
		rn.cancel()
	}
}

func (r *Runner) execute(ctx context.Context, id string, rn *run) {
	defer rn.cancel()

	var mapped []string
	for _, server := range r.servers {
		if ctx.Err() != nil {
			break
		}
		addr, err := r.probe(ctx, server, r.timeout)
		var line string
		if err != nil {
			line = fmt.Sprintf("%s: failed: %v\n", server, err)
			r.log.Debug().Err(err).Str("request", id).Str("server", server).Msg("stun probe failed")
		} else {
			mapped = append(mapped, addr)
			line = fmt.Sprintf("%s: mapped %s\n", server, addr)
		}
		r.append(rn, line, false)
	}

	var summary string
	switch {
	case ctx.Err() != nil:
		summary = "cancelled\n"
	case len(mapped) == 0:
		summary = "result: unreachable\n"
	default:
		summary = fmt.Sprintf("result: public %s, nat %s\n", mapped[0], Classify(mapped))
	}
	r.append(rn, summary, true)
}

func (r *Runner) append(rn *run, line string, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn.out.WriteString(line)
	if done {
		rn.done = true
		rn.elapsed = time.Since(rn.started)
	}
}
