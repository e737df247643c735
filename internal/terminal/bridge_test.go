package terminal

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fwdctl/internal/clock"
	"fwdctl/internal/wsconn/wsconntest"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type event struct {
	state State
	err   error
}

type recorder struct {
	mu      sync.Mutex
	history []string
	data    []string
	exits   []int
	states  []event
}

func (r *recorder) OnHistory(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, data)
}

func (r *recorder) OnData(data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = append(r.data, data)
}

func (r *recorder) OnExit(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, code)
}

func (r *recorder) OnState(st State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, event{state: st, err: err})
}

func (r *recorder) dataCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

func (r *recorder) stateList() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.states))
	for _, e := range r.states {
		out = append(out, e.state)
	}
	return out
}

func newTestBridge(t *testing.T) (*Bridge, *recorder, *wsconntest.Dialer, *clock.FakeClock) {
	t.Helper()
	rec := &recorder{}
	dialer := &wsconntest.Dialer{}
	fake := clock.Fake(epoch)
	b := New(rec, Options{Dialer: dialer, Clock: fake, URL: "ws://panel/terminal"})
	t.Cleanup(b.Close)
	return b, rec, dialer, fake
}

func frameTypes(t *testing.T, conn *wsconntest.Conn) []string {
	t.Helper()
	var out []string
	for _, w := range conn.Written() {
		i := strings.Index(w, `"type":"`)
		require.GreaterOrEqual(t, i, 0, w)
		rest := w[i+len(`"type":"`):]
		out = append(out, rest[:strings.Index(rest, `"`)])
	}
	return out
}

func TestOpen_SendsStartAndRelaysOutput(t *testing.T) {
	t.Parallel()

	b, rec, dialer, _ := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))

	st, err := b.State()
	require.NoError(t, err)
	require.Equal(t, StateStreaming, st)

	conn := dialer.Last()
	u, err := url.Parse(conn.URL)
	require.NoError(t, err)
	require.Equal(t, "/terminal", u.Path)
	require.Equal(t, "7", u.Query().Get("node_id"))
	require.Equal(t, b.SessionID(), u.Query().Get("session_id"))
	require.Equal(t, []string{`{"type":"start","rows":24,"cols":80}`}, conn.Written())

	conn.Push(`{"type":"history","data":"$ ls\r\n"}`)
	conn.Push(`{"type":"data","data":"a b c\r\n"}`)
	require.Eventually(t, func() bool { return rec.dataCount() == 1 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	require.Equal(t, []string{"$ ls\r\n"}, rec.history)
	require.Equal(t, []string{"a b c\r\n"}, rec.data)
	rec.mu.Unlock()
	require.Equal(t, []State{StateConnecting, StateStreaming}, rec.stateList())
}

func TestSendInputAndResize(t *testing.T) {
	t.Parallel()

	b, _, dialer, _ := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))

	require.NoError(t, b.SendInput("l"))
	require.NoError(t, b.SendInput("s\r"))
	require.NoError(t, b.Resize(Viewport{Rows: 40, Cols: 120}))

	conn := dialer.Last()
	require.Equal(t, []string{
		`{"type":"start","rows":24,"cols":80}`,
		`{"type":"input","data":"l"}`,
		`{"type":"input","data":"s\r"}`,
		`{"type":"resize","rows":40,"cols":120}`,
	}, conn.Written())
	require.Equal(t, 1, dialer.Dials())
	require.Equal(t, Viewport{Rows: 40, Cols: 120}, b.Viewport())
}

func TestSendInput_WithoutSession(t *testing.T) {
	t.Parallel()

	b, _, _, _ := newTestBridge(t)
	require.ErrorIs(t, b.SendInput("x"), ErrSessionClosed)
}

func TestHeartbeat(t *testing.T) {
	t.Parallel()

	b, rec, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	conn := dialer.Last()
	conn.Push(`{"type":"data","data":"$ "}`)
	require.Eventually(t, func() bool { return rec.dataCount() == 1 }, time.Second, 5*time.Millisecond)

	fake.Advance(20 * time.Second)
	fake.Advance(20 * time.Second)

	require.Equal(t, []string{"start", "ping", "ping"}, frameTypes(t, conn))
	require.Equal(t, epoch.Add(40*time.Second), b.LastHeartbeat())
	require.Equal(t, 1, dialer.Dials())
}

func TestStall_RestartsOnceThenReportsStalled(t *testing.T) {
	t.Parallel()

	b, rec, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	first := dialer.Last()

	fake.Advance(3 * time.Second)
	st, _ := b.State()
	require.Equal(t, StateRestartPending, st)
	require.Equal(t, []string{"start", "stop"}, frameTypes(t, first))
	require.ErrorIs(t, b.SendInput("x"), ErrSessionClosed)

	fake.Advance(time.Second)
	require.Equal(t, 2, dialer.Dials())
	require.True(t, first.Closed())
	second := dialer.Last()
	require.Equal(t, []string{"start"}, frameTypes(t, second))
	st, _ = b.State()
	require.Equal(t, StateStreaming, st)

	fake.Advance(3 * time.Second)
	st, err := b.State()
	require.Equal(t, StateStalled, st)
	require.ErrorIs(t, err, ErrSessionStalled)
	require.False(t, second.Closed())

	fake.Advance(time.Minute)
	require.Equal(t, 2, dialer.Dials())

	// Late output brings the stalled session back.
	second.Push(`{"type":"data","data":"$ "}`)
	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == StateStreaming && rec.dataCount() == 1
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []State{
		StateConnecting, StateStreaming,
		StateRestartPending,
		StateConnecting, StateStreaming,
		StateStalled,
		StateStreaming,
	}, rec.stateList())
}

func TestStall_ExitFrameTriggersPendingRestart(t *testing.T) {
	t.Parallel()

	b, rec, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	require.NoError(t, b.Resize(Viewport{Rows: 30, Cols: 100}))

	fake.Advance(3 * time.Second)
	dialer.Last().Push(`{"type":"exit","code":0}`)

	require.Eventually(t, func() bool { return dialer.Dials() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == StateStreaming
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{`{"type":"start","rows":30,"cols":100}`}, dialer.Last().Written())

	// The grace timer was cancelled by the restart.
	fake.Advance(time.Second)
	require.Equal(t, 2, dialer.Dials())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []int{0}, rec.exits)
}

func TestExit_EndsSessionWithoutRestart(t *testing.T) {
	t.Parallel()

	b, rec, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	conn := dialer.Last()
	conn.Push(`{"type":"data","data":"bye\r\n"}`)
	conn.Push(`{"type":"exit","code":3}`)

	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == StateClosed
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, conn.Closed, time.Second, 5*time.Millisecond)

	fake.Advance(time.Minute)
	require.Equal(t, 1, dialer.Dials())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Equal(t, []int{3}, rec.exits)
}

func TestUnexpectedClose_ConsumesRestartBudget(t *testing.T) {
	t.Parallel()

	b, rec, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	first := dialer.Last()
	first.Push(`{"type":"data","data":"$ "}`)
	require.Eventually(t, func() bool { return rec.dataCount() == 1 }, time.Second, 5*time.Millisecond)

	first.Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool { return dialer.Dials() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == StateStreaming
	}, time.Second, 5*time.Millisecond)

	// The budget is spent: a stall on the new channel is only reported.
	fake.Advance(3 * time.Second)
	st, err := b.State()
	require.Equal(t, StateStalled, st)
	require.ErrorIs(t, err, ErrSessionStalled)

	dialer.Last().Drop(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		st, _ := b.State()
		return st == StateClosed
	}, time.Second, 5*time.Millisecond)
	_, err = b.State()
	require.ErrorIs(t, err, ErrSessionClosed)
	require.Equal(t, 2, dialer.Dials())
}

func TestClose_SendsStopAndPreventsRestart(t *testing.T) {
	t.Parallel()

	b, _, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	conn := dialer.Last()

	b.Close()
	require.True(t, conn.Closed())
	require.Equal(t, []string{"start", "stop"}, frameTypes(t, conn))

	fake.Advance(time.Minute)
	require.Equal(t, 1, dialer.Dials())
	require.Equal(t, 0, fake.Pending())
	st, err := b.State()
	require.NoError(t, err)
	require.Equal(t, StateClosed, st)
}

func TestOpen_ResetsRestartBudget(t *testing.T) {
	t.Parallel()

	b, _, dialer, fake := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	fake.Advance(3 * time.Second)
	fake.Advance(time.Second)
	fake.Advance(3 * time.Second)
	st, _ := b.State()
	require.Equal(t, StateStalled, st)

	require.NoError(t, b.Open(context.Background(), "8", Viewport{Rows: 24, Cols: 80}))
	require.Equal(t, 3, dialer.Dials())
	fake.Advance(3 * time.Second)
	st, _ = b.State()
	require.Equal(t, StateRestartPending, st)
}

func TestOpen_DialFailure(t *testing.T) {
	t.Parallel()

	b, _, dialer, _ := newTestBridge(t)
	dialer.Fail(errors.New("403 forbidden"))

	err := b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80})
	require.Error(t, err)
	st, stErr := b.State()
	require.Equal(t, StateClosed, st)
	require.Error(t, stErr)
}

func TestMalformedFramesDropped(t *testing.T) {
	t.Parallel()

	b, rec, dialer, _ := newTestBridge(t)
	require.NoError(t, b.Open(context.Background(), "7", Viewport{Rows: 24, Cols: 80}))
	conn := dialer.Last()
	conn.Push(`garbage`)
	conn.Push(`{"data":"no type"}`)
	conn.Push(`{"type":"mystery"}`)
	conn.Push(`{"type":"data","data":"ok"}`)

	require.Eventually(t, func() bool { return rec.dataCount() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, conn.Closed())
}

func TestParseFrame(t *testing.T) {
	t.Parallel()

	f, err := parseFrame([]byte(`{"type":"exit","code":137}`))
	require.NoError(t, err)
	require.Equal(t, serverFrame{Type: "exit", Code: 137}, f)

	_, err = parseFrame([]byte(`[]`))
	require.ErrorIs(t, err, ErrMalformedFrame)
}
