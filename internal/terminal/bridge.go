// Package terminal bridges a local interactive terminal to a remote shell
// on a node over a dedicated websocket channel.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fwdctl/internal/clock"
	"fwdctl/internal/notify"
	"fwdctl/internal/wsconn"
)

const (
	DefaultHeartbeat    = 20 * time.Second
	DefaultStallTimeout = 3 * time.Second
	DefaultRestartGrace = time.Second
	DefaultDialTimeout  = 10 * time.Second
)

var (
	// ErrSessionStalled reports that the remote shell produced no output
	// even after the automatic restart.
	ErrSessionStalled = errors.New("terminal session stalled")
	// ErrSessionClosed is returned when there is no channel to write to,
	// and wraps the transport error once the restart budget is spent.
	ErrSessionClosed = errors.New("terminal session closed")
)

// State is the bridge's session state.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateStreaming
	StateRestartPending
	StateStalled
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateRestartPending:
		return "restart_pending"
	case StateStalled:
		return "stalled"
	}
	return "unknown"
}

// Handler receives session output and state changes. Calls are made in
// order and never while the bridge holds its lock.
type Handler interface {
	OnHistory(data string)
	OnData(data string)
	OnExit(code int)
	OnState(state State, err error)
}

// Funcs adapts optional functions to Handler.
type Funcs struct {
	History func(string)
	Data    func(string)
	Exit    func(int)
	State   func(State, error)
}

func (f Funcs) OnHistory(data string) {
	if f.History != nil {
		f.History(data)
	}
}

func (f Funcs) OnData(data string) {
	if f.Data != nil {
		f.Data(data)
	}
}

func (f Funcs) OnExit(code int) {
	if f.Exit != nil {
		f.Exit(code)
	}
}

func (f Funcs) OnState(st State, err error) {
	if f.State != nil {
		f.State(st, err)
	}
}

// Options configures a Bridge. Zero durations select defaults.
type Options struct {
	Dialer wsconn.Dialer
	Clock  clock.Clock
	Logger zerolog.Logger
	// URL is the terminal channel endpoint, e.g. ws://panel/terminal.
	URL          string
	Heartbeat    time.Duration
	StallTimeout time.Duration
	RestartGrace time.Duration
	DialTimeout  time.Duration
}

// Bridge runs one terminal session at a time. Each Open grants a single
// automatic restart, spent either on a stall or on an unexpected close.
type Bridge struct {
	dialer       wsconn.Dialer
	clock        clock.Clock
	log          zerolog.Logger
	url          string
	heartbeat    time.Duration
	stallTimeout time.Duration
	restartGrace time.Duration
	dialTimeout  time.Duration
	handler      Handler

	mu             sync.Mutex
	state          State
	stateErr       error
	sessionID      string
	nodeID         string
	viewport       Viewport
	restartUsed    bool
	restartPending bool
	gotData        bool
	lastHeartbeat  time.Time
	// epoch identifies the live channel. Frames, closes and timers from
	// older channels are dropped.
	epoch  uint64
	conn   wsconn.Conn
	ctx    context.Context
	cancel context.CancelFunc

	pingTimer  clock.Timer
	stallTimer clock.Timer
	graceTimer clock.Timer

	events notify.Queue
}

// New creates a closed bridge delivering events to h.
func New(h Handler, opts Options) *Bridge {
	b := &Bridge{
		dialer:       opts.Dialer,
		clock:        opts.Clock,
		url:          opts.URL,
		heartbeat:    opts.Heartbeat,
		stallTimeout: opts.StallTimeout,
		restartGrace: opts.RestartGrace,
		dialTimeout:  opts.DialTimeout,
		handler:      h,
	}
	if b.handler == nil {
		b.handler = Funcs{}
	}
	if b.dialer == nil {
		b.dialer = wsconn.WebsocketDialer{HandshakeTimeout: DefaultDialTimeout}
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	b.log = opts.Logger.With().Str("component", "terminal").Logger()
	if b.heartbeat <= 0 {
		b.heartbeat = DefaultHeartbeat
	}
	if b.stallTimeout <= 0 {
		b.stallTimeout = DefaultStallTimeout
	}
	if b.restartGrace <= 0 {
		b.restartGrace = DefaultRestartGrace
	}
	if b.dialTimeout <= 0 {
		b.dialTimeout = DefaultDialTimeout
	}
	return b
}

// State returns the session state and the error that accompanied it.
func (b *Bridge) State() (State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, b.stateErr
}

// SessionID identifies the session started by the last Open.
func (b *Bridge) SessionID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID
}

// Viewport returns the current terminal size.
func (b *Bridge) Viewport() Viewport {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.viewport
}

// LastHeartbeat returns when the last ping was sent.
func (b *Bridge) LastHeartbeat() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastHeartbeat
}

// Open starts a session on nodeID, replacing any current one. ctx bounds
// the initial dial only.
func (b *Bridge) Open(ctx context.Context, nodeID string, vp Viewport) error {
	b.mu.Lock()
	prev := b.teardownLocked()
	if b.cancel != nil {
		b.cancel()
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.nodeID = nodeID
	b.viewport = vp
	b.sessionID = uuid.NewString()
	b.restartUsed = false
	b.restartPending = false
	b.epoch++
	expected := b.epoch
	b.mu.Unlock()

	if prev != nil {
		stopAndClose(prev)
	}
	return b.connect(ctx, expected)
}

// SendInput forwards input to the remote shell immediately.
func (b *Bridge) SendInput(data string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.state == StateRestartPending {
		return fmt.Errorf("send input: %w", ErrSessionClosed)
	}
	if err := b.conn.WriteMessage(wsconn.TextMessage, inputFrame(data)); err != nil {
		return fmt.Errorf("send input: %w", err)
	}
	return nil
}

// Resize records the new viewport and tells the remote shell about it.
// The channel is not reopened. A later restart uses the new size.
func (b *Bridge) Resize(vp Viewport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.viewport = vp
	if b.conn == nil || b.state == StateRestartPending {
		return nil
	}
	if err := b.conn.WriteMessage(wsconn.TextMessage, resizeFrame(vp)); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	return nil
}

// Close stops the remote shell best-effort and tears the channel down.
// No restart follows.
func (b *Bridge) Close() {
	b.mu.Lock()
	conn := b.teardownLocked()
	b.epoch++
	b.restartPending = false
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	wasOpen := b.state != StateClosed
	if wasOpen {
		b.setStateLocked(StateClosed, nil)
	}
	sessionID := b.sessionID
	b.mu.Unlock()

	if conn != nil {
		stopAndClose(conn)
	}
	if wasOpen {
		b.log.Info().Str("session", sessionID).Msg("terminal session closed")
	}
	b.events.Drain()
}

// connect dials the channel and sends start, unless the bridge has moved
// past expected in the meantime.
func (b *Bridge) connect(ctx context.Context, expected uint64) error {
	b.mu.Lock()
	if b.epoch != expected {
		b.mu.Unlock()
		return ErrSessionClosed
	}
	b.epoch++
	epoch := b.epoch
	target := b.channelURLLocked()
	nodeID, sessionID, vp := b.nodeID, b.sessionID, b.viewport
	b.setStateLocked(StateConnecting, nil)
	b.mu.Unlock()
	b.events.Drain()

	log := b.log.With().Str("node", nodeID).Str("session", sessionID).Logger()

	dialCtx, cancel := context.WithTimeout(ctx, b.dialTimeout)
	conn, err := b.dialer.Dial(dialCtx, target)
	cancel()
	if err == nil {
		if werr := conn.WriteMessage(wsconn.TextMessage, startFrame(vp)); werr != nil {
			_ = conn.Close()
			conn, err = nil, werr
		}
	}

	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		if conn != nil {
			stopAndClose(conn)
		}
		return ErrSessionClosed
	}
	if err != nil {
		err = fmt.Errorf("open terminal on node %s: %w", nodeID, err)
		b.setStateLocked(StateClosed, err)
		b.mu.Unlock()
		log.Warn().Err(err).Msg("terminal connect failed")
		b.events.Drain()
		return err
	}
	b.conn = conn
	b.gotData = false
	b.stallTimer = b.clock.AfterFunc(b.stallTimeout, func() { b.onStall(epoch) })
	b.schedulePingLocked(epoch)
	b.setStateLocked(StateStreaming, nil)
	b.mu.Unlock()

	log.Info().Int("rows", vp.Rows).Int("cols", vp.Cols).Msg("terminal session started")
	b.events.Drain()
	go b.readLoop(epoch, conn)
	return nil
}

func (b *Bridge) readLoop(epoch uint64, conn wsconn.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			b.handleClose(epoch, conn, err)
			return
		}
		if !b.handleFrame(epoch, data) {
			return
		}
	}
}

// handleFrame applies one server frame. It reports whether the read loop
// should continue.
func (b *Bridge) handleFrame(epoch uint64, raw []byte) bool {
	f, err := parseFrame(raw)
	if err != nil {
		b.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping terminal frame")
		return true
	}

	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return false
	}
	switch f.Type {
	case frameHistory:
		b.events.Push(func() { b.handler.OnHistory(f.Data) })
	case frameData:
		if !b.gotData {
			b.gotData = true
			stopTimer(&b.stallTimer)
		}
		if b.state == StateStalled {
			b.setStateLocked(StateStreaming, nil)
		}
		b.events.Push(func() { b.handler.OnData(f.Data) })
	case frameExit:
		code := f.Code
		b.events.Push(func() { b.handler.OnExit(code) })
		if b.restartPending {
			b.mu.Unlock()
			b.events.Drain()
			b.restart(epoch)
			return false
		}
		conn := b.teardownLocked()
		b.setStateLocked(StateClosed, nil)
		b.mu.Unlock()
		b.log.Info().Int("code", code).Msg("remote shell exited")
		if conn != nil {
			_ = wsconn.CloseGracefully(conn)
		}
		b.events.Drain()
		return false
	default:
		b.log.Debug().Str("type", f.Type).Msg("ignoring terminal frame type")
	}
	b.mu.Unlock()
	b.events.Drain()
	return true
}

// handleClose reacts to the channel dropping without Close being called.
func (b *Bridge) handleClose(epoch uint64, conn wsconn.Conn, err error) {
	b.mu.Lock()
	if b.epoch != epoch {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	_ = conn.Close()

	if b.restartPending {
		b.mu.Unlock()
		b.restart(epoch)
		return
	}
	if !b.restartUsed {
		b.restartUsed = true
		b.restartPending = true
		b.setStateLocked(StateRestartPending, nil)
		b.mu.Unlock()
		b.log.Warn().Err(err).Msg("terminal channel lost, restarting")
		b.events.Drain()
		b.restart(epoch)
		return
	}

	b.stopTimersLocked()
	b.setStateLocked(StateClosed, fmt.Errorf("%w: %w", ErrSessionClosed, err))
	b.mu.Unlock()
	b.log.Warn().Err(err).Msg("terminal channel lost, restart already used")
	b.events.Drain()
}

// onStall fires when no data frame followed start in time. The first
// stall of a session schedules the restart; a later one is reported.
func (b *Bridge) onStall(epoch uint64) {
	b.mu.Lock()
	if b.epoch != epoch || b.gotData || b.state != StateStreaming {
		b.mu.Unlock()
		return
	}
	b.stallTimer = nil

	if b.restartUsed {
		b.setStateLocked(StateStalled, ErrSessionStalled)
		b.mu.Unlock()
		b.log.Warn().Dur("timeout", b.stallTimeout).Msg("terminal session stalled after restart")
		b.events.Drain()
		return
	}

	b.restartUsed = true
	b.restartPending = true
	if b.conn != nil {
		if err := b.conn.WriteMessage(wsconn.TextMessage, encodeFrame(clientFrame{Type: frameStop})); err != nil {
			b.log.Debug().Err(err).Msg("stop frame not sent")
		}
	}
	b.graceTimer = b.clock.AfterFunc(b.restartGrace, func() { b.restart(epoch) })
	b.setStateLocked(StateRestartPending, nil)
	b.mu.Unlock()

	b.log.Warn().Dur("timeout", b.stallTimeout).Msg("no terminal output, restarting session")
	b.events.Drain()
}

// restart closes the channel of epoch and opens a new one with the current
// viewport. Only a pending restart proceeds.
func (b *Bridge) restart(epoch uint64) {
	b.mu.Lock()
	if b.epoch != epoch || !b.restartPending {
		b.mu.Unlock()
		return
	}
	b.restartPending = false
	conn := b.teardownLocked()
	b.epoch++
	expected := b.epoch
	ctx := b.ctx
	b.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	_ = b.connect(ctx, expected)
}

func (b *Bridge) ping(epoch uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch || b.conn == nil {
		return
	}
	b.pingTimer = nil
	if err := b.conn.WriteMessage(wsconn.TextMessage, encodeFrame(clientFrame{Type: framePing})); err != nil {
		b.log.Debug().Err(err).Msg("heartbeat not sent")
	}
	b.lastHeartbeat = b.clock.Now()
	b.schedulePingLocked(epoch)
}

func (b *Bridge) schedulePingLocked(epoch uint64) {
	b.pingTimer = b.clock.AfterFunc(b.heartbeat, func() { b.ping(epoch) })
}

// teardownLocked stops every timer and detaches the channel, returning it
// for the caller to close outside the lock.
func (b *Bridge) teardownLocked() wsconn.Conn {
	b.stopTimersLocked()
	conn := b.conn
	b.conn = nil
	return conn
}

func (b *Bridge) stopTimersLocked() {
	stopTimer(&b.pingTimer)
	stopTimer(&b.stallTimer)
	stopTimer(&b.graceTimer)
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (b *Bridge) setStateLocked(st State, err error) {
	if st == b.state && err == nil && b.stateErr == nil {
		return
	}
	b.state = st
	b.stateErr = err
	b.events.Push(func() { b.handler.OnState(st, err) })
}

func (b *Bridge) channelURLLocked() string {
	u, err := url.Parse(b.url)
	if err != nil {
		return b.url
	}
	q := u.Query()
	q.Set("node_id", b.nodeID)
	q.Set("session_id", b.sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

func stopAndClose(conn wsconn.Conn) {
	_ = conn.WriteMessage(wsconn.TextMessage, encodeFrame(clientFrame{Type: frameStop}))
	_ = wsconn.CloseGracefully(conn)
}
