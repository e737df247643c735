// Package push keeps the single push channel to the management server open
// and fans decoded messages out to subscribers.
package push

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fwdctl/internal/clock"
	"fwdctl/internal/notify"
	"fwdctl/internal/wsconn"
)

const (
	DefaultBaseInterval = time.Second
	DefaultMaxAttempts  = 5
	DefaultDialTimeout  = 10 * time.Second
)

// ErrDisconnected reports that the reconnect budget is spent.
var ErrDisconnected = errors.New("push channel disconnected: reconnect attempts exhausted")

// Status is the supervisor's connection state.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusDisconnected
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusDisconnected:
		return "disconnected"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// Handler consumes dispatched push messages.
type Handler interface {
	HandleMessage(Message)
	// ChannelClosed is called whenever the channel goes down, expectedly
	// or not.
	ChannelClosed()
}

// Options configures a Supervisor. Zero values select defaults.
type Options struct {
	Dialer       wsconn.Dialer
	Clock        clock.Clock
	Logger       zerolog.Logger
	BaseInterval time.Duration
	MaxAttempts  int
	DialTimeout  time.Duration
}

// Supervisor owns one push channel: it opens it, reconnects with a linear
// backoff after failures and stops retrying after MaxAttempts consecutive
// failures.
type Supervisor struct {
	dialer      wsconn.Dialer
	clock       clock.Clock
	log         zerolog.Logger
	base        time.Duration
	maxAttempts int
	dialTimeout time.Duration

	mu       sync.Mutex
	url      string
	status   Status
	lastErr  error
	failures int
	// epoch identifies the current connection attempt. Read loops and
	// retry timers carrying an older epoch are ignored.
	epoch  uint64
	conn   wsconn.Conn
	retry  clock.Timer
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	nextID    int
	handlers  map[int]Handler
	listeners map[int]func(Status)

	events notify.Queue
}

// New creates an idle supervisor. Call Open to connect.
func New(opts Options) *Supervisor {
	s := &Supervisor{
		dialer:      opts.Dialer,
		clock:       opts.Clock,
		base:        opts.BaseInterval,
		maxAttempts: opts.MaxAttempts,
		dialTimeout: opts.DialTimeout,
		handlers:    make(map[int]Handler),
		listeners:   make(map[int]func(Status)),
	}
	if s.dialer == nil {
		s.dialer = wsconn.WebsocketDialer{HandshakeTimeout: DefaultDialTimeout}
	}
	if s.clock == nil {
		s.clock = clock.Real()
	}
	s.log = opts.Logger.With().Str("component", "push").Logger()
	if s.base <= 0 {
		s.base = DefaultBaseInterval
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultMaxAttempts
	}
	if s.dialTimeout <= 0 {
		s.dialTimeout = DefaultDialTimeout
	}
	return s
}

// Subscribe registers h for every dispatched message and close event.
func (s *Supervisor) Subscribe(h Handler) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}

// OnStatus registers fn for status transitions.
func (s *Supervisor) OnStatus(fn func(Status)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Status returns the current status and, when disconnected, the last
// transport error.
func (s *Supervisor) Status() (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusDisconnected {
		return s.status, errors.Join(ErrDisconnected, s.lastErr)
	}
	return s.status, nil
}

// Failures returns the current count of consecutive failures.
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Open (re)establishes the channel to url. It resets the failure budget,
// so it is also the way out of StatusDisconnected. A failed first dial is
// returned to the caller; retries are already scheduled by then.
func (s *Supervisor) Open(url string) error {
	s.mu.Lock()
	s.stopRetryLocked()
	prev := s.conn
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.url = url
	s.closed = false
	s.failures = 0
	s.lastErr = nil
	s.epoch++
	expected := s.epoch
	if prev != nil {
		s.queueClosedLocked()
	}
	s.mu.Unlock()

	if prev != nil {
		_ = wsconn.CloseGracefully(prev)
	}
	s.events.Drain()
	return s.connect(expected)
}

// Close tears the channel down. No reconnect follows.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	s.stopRetryLocked()
	if s.cancel != nil {
		s.cancel()
	}
	conn := s.conn
	s.conn = nil
	s.queueClosedLocked()
	s.setStatusLocked(StatusClosed)
	s.mu.Unlock()

	if conn != nil {
		_ = wsconn.CloseGracefully(conn)
	}
	s.log.Info().Msg("push channel closed")
	s.events.Drain()
}

// connect runs one connection attempt if no newer attempt, Open or Close
// has happened since expected was read.
func (s *Supervisor) connect(expected uint64) error {
	s.mu.Lock()
	if s.closed || s.epoch != expected {
		s.mu.Unlock()
		return nil
	}
	s.epoch++
	epoch := s.epoch
	url := s.url
	ctx := s.ctx
	s.retry = nil
	s.setStatusLocked(StatusConnecting)
	s.mu.Unlock()
	s.events.Drain()

	dialCtx, cancel := context.WithTimeout(ctx, s.dialTimeout)
	conn, err := s.dialer.Dial(dialCtx, url)
	cancel()

	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("url", url).Int("failures", s.failures+1).Msg("push channel connect failed")
		s.failLocked(err)
		s.mu.Unlock()
		s.events.Drain()
		return err
	}
	s.conn = conn
	s.failures = 0
	s.lastErr = nil
	s.setStatusLocked(StatusConnected)
	s.mu.Unlock()

	s.log.Info().Str("url", url).Msg("push channel connected")
	s.events.Drain()
	go s.readLoop(epoch, conn)
	return nil
}

func (s *Supervisor) readLoop(epoch uint64, conn wsconn.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleClose(epoch, conn, err)
			return
		}
		if !s.current(epoch) {
			return
		}
		_ = s.Dispatch(data)
	}
}

func (s *Supervisor) current(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.epoch == epoch
}

// handleClose reacts to the channel dropping without Close being called.
func (s *Supervisor) handleClose(epoch uint64, conn wsconn.Conn, err error) {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if wsconn.IsNormalClose(err) {
		s.log.Info().Err(err).Msg("push channel closed by server")
	} else {
		s.log.Warn().Err(err).Msg("push channel lost")
	}
	s.queueClosedLocked()
	s.failLocked(err)
	s.mu.Unlock()

	_ = conn.Close()
	s.events.Drain()
}

// failLocked records a failure and either schedules the next attempt or
// gives up.
func (s *Supervisor) failLocked(err error) {
	s.failures++
	s.lastErr = err
	if s.failures >= s.maxAttempts {
		s.setStatusLocked(StatusDisconnected)
		s.log.Error().Err(err).Int("attempts", s.failures).Msg("push channel reconnect budget exhausted")
		return
	}
	delay := time.Duration(s.failures) * s.base
	expected := s.epoch
	s.setStatusLocked(StatusReconnecting)
	s.log.Info().Dur("delay", delay).Int("attempt", s.failures).Msg("push channel reconnect scheduled")
	s.retry = s.clock.AfterFunc(delay, func() {
		_ = s.connect(expected)
	})
}

func (s *Supervisor) stopRetryLocked() {
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Supervisor) setStatusLocked(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	for _, fn := range s.listeners {
		fn := fn
		s.events.Push(func() { fn(st) })
	}
}

func (s *Supervisor) queueClosedLocked() {
	for _, h := range s.handlers {
		h := h
		s.events.Push(h.ChannelClosed)
	}
}

// Dispatch decodes one raw frame and hands it to subscribers. Unknown
// message types are ignored; malformed frames are logged and dropped.
// Neither affects the channel.
func (s *Supervisor) Dispatch(raw []byte) error {
	msg, err := ParseEnvelope(raw)
	if err != nil {
		s.log.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping push frame")
		return err
	}
	if !msg.Type.Known() {
		s.log.Debug().Str("type", string(msg.Type)).Str("node", msg.NodeID).Msg("ignoring push message type")
		return nil
	}

	s.mu.Lock()
	for _, h := range s.handlers {
		h := h
		s.events.Push(func() { h.HandleMessage(msg) })
	}
	s.mu.Unlock()
	s.events.Drain()
	return nil
}
