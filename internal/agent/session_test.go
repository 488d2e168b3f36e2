package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/call-capture/internal/capture"
	"github.com/chadiek/call-capture/internal/convai"
	"github.com/chadiek/call-capture/internal/permission"
)

type fakeGate struct {
	state    permission.State
	answer   permission.State
	requests int32
}

func (g *fakeGate) State() permission.State { return g.state }

func (g *fakeGate) Request(context.Context) permission.State {
	atomic.AddInt32(&g.requests, 1)
	g.state = g.answer
	return g.answer
}

// promptGate keeps the microphone prompt open until ctx is done.
type promptGate struct {
	requests int32
}

func (g *promptGate) State() permission.State { return permission.StateUnknown }

func (g *promptGate) Request(ctx context.Context) permission.State {
	atomic.AddInt32(&g.requests, 1)
	<-ctx.Done()
	return permission.StateUnknown
}

type fakeSession struct {
	closed int32
	audio  []string
}

func (s *fakeSession) ID() string { return "conv_test" }

func (s *fakeSession) SendUserAudio(b64 string) error {
	s.audio = append(s.audio, b64)
	return nil
}

func (s *fakeSession) Close() error { atomic.AddInt32(&s.closed, 1); return nil }

// fakeVoice fails the first failN attempts with err, then connects.
type fakeVoice struct {
	failN int
	err   error
	block bool

	mu       sync.Mutex
	attempts int
	at       []time.Time
	cfg      convai.SessionConfig
	sess     *fakeSession
}

func (v *fakeVoice) StartSession(ctx context.Context, cfg convai.SessionConfig) (convai.Session, error) {
	v.mu.Lock()
	v.attempts++
	v.at = append(v.at, time.Now())
	n := v.attempts
	v.cfg = cfg
	v.mu.Unlock()
	if v.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if v.failN < 0 || n <= v.failN {
		return nil, v.err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.sess = &fakeSession{}
	return v.sess, nil
}

func (v *fakeVoice) calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts
}

func (v *fakeVoice) attemptTimes() []time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]time.Time(nil), v.at...)
}

func (v *fakeVoice) handlers() convai.Handlers {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.Handlers
}

func (v *fakeVoice) tool(name string) convai.ToolFunc {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cfg.Tools[name]
}

func testConfig() Config {
	cfg := DefaultConfig("agent_1")
	cfg.RetryBackoff = time.Millisecond
	cfg.ConnectTimeout = time.Second
	cfg.AutoTriggerEnabled = false
	return cfg
}

func granted() *fakeGate { return &fakeGate{state: permission.StateGranted} }

func TestStart_ConnectsAndReportsSnapshot(t *testing.T) {
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)

	var seen []Status
	c.OnChange(func(s Snapshot) { seen = append(seen, s.Status) })

	require.NoError(t, c.Start(context.Background()))
	snap := c.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.Equal(t, "conv_test", snap.ConversationID)
	assert.Equal(t, 0, snap.Attempt)
	assert.False(t, snap.ConnectedAt.IsZero())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, seen)
	assert.NotNil(t, voice.tool(DefaultToolName))

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyActive)
}

func TestStart_RetriesThenGivesUp(t *testing.T) {
	voice := &fakeVoice{failN: -1, err: errors.New("dial refused")}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)

	var mu sync.Mutex
	var attempts []int
	c.OnChange(func(s Snapshot) {
		if s.Status == StatusConnecting {
			mu.Lock()
			attempts = append(attempts, s.Attempt)
			mu.Unlock()
		}
	})

	err := c.Start(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindTransport, cerr.Kind)
	assert.Equal(t, 4, cerr.Attempts)
	assert.True(t, cerr.Retryable())
	assert.Equal(t, 4, voice.calls())
	assert.Equal(t, []int{0, 1, 2, 3}, attempts)
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
	assert.Equal(t, 0, c.Snapshot().Attempt)
}

func TestStart_SucceedsOnRetry(t *testing.T) {
	voice := &fakeVoice{failN: 2, err: errors.New("flaky")}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, 3, voice.calls())
	assert.Equal(t, StatusConnected, c.Snapshot().Status)
}

func TestStart_ConnectTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	voice := &fakeVoice{block: true}
	c := NewController(cfg, voice, granted(), capture.NewSlot(), Events{}, nil, nil)

	err := c.Start(context.Background())
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindConnectTimeout, cerr.Kind)
	assert.Equal(t, 2, voice.calls())
}

func TestStart_AgentNotConfigured(t *testing.T) {
	voice := &fakeVoice{}
	c := NewController(DefaultConfig(""), voice, granted(), capture.NewSlot(), Events{}, nil, nil)
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrAgentNotConfigured)
	var cerr *Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, KindConfiguration, cerr.Kind)
	assert.False(t, cerr.Retryable())
	assert.Equal(t, 0, voice.calls())
}

func TestStart_PermissionDenied(t *testing.T) {
	gate := &fakeGate{state: permission.StateUnknown, answer: permission.StateDenied}
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, gate, capture.NewSlot(), Events{}, nil, nil)

	err := c.Start(context.Background())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.EqualValues(t, 1, atomic.LoadInt32(&gate.requests))
	assert.Equal(t, 0, voice.calls())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
}

func TestStart_PromptsWhenPermissionUnknown(t *testing.T) {
	gate := &fakeGate{state: permission.StateUnknown, answer: permission.StateGranted}
	c := NewController(testConfig(), &fakeVoice{}, gate, capture.NewSlot(), Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	assert.EqualValues(t, 1, atomic.LoadInt32(&gate.requests))
}

func TestEnd_CancelsRetryWait(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 5 * time.Second
	voice := &fakeVoice{failN: -1, err: errors.New("down")}
	c := NewController(cfg, voice, granted(), capture.NewSlot(), Events{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for voice.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, c.End())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after End")
	}
	assert.Equal(t, 1, voice.calls())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
}

func TestStart_WaitsBackoffBetweenAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.RetryBackoff = 30 * time.Millisecond
	cfg.MaxRetries = 2
	voice := &fakeVoice{failN: -1, err: errors.New("down")}
	c := NewController(cfg, voice, granted(), capture.NewSlot(), Events{}, nil, nil)

	require.Error(t, c.Start(context.Background()))
	at := voice.attemptTimes()
	require.Len(t, at, 3)
	for i := 1; i < len(at); i++ {
		assert.GreaterOrEqual(t, at[i].Sub(at[i-1]), cfg.RetryBackoff, "gap before attempt %d", i+1)
	}
}

func TestEnd_DuringPermissionPrompt(t *testing.T) {
	gate := &promptGate{}
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, gate, capture.NewSlot(), Events{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&gate.requests) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&gate.requests))

	endErr := make(chan error, 1)
	go func() { endErr <- c.End() }()
	select {
	case err := <-endErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("End blocked behind the microphone prompt")
	}
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionEnded)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after End")
	}
	assert.Equal(t, 0, voice.calls())
	assert.Equal(t, StatusIdle, c.Snapshot().Status)
}

func TestStart_ConcurrentStartIsRejected(t *testing.T) {
	gate := &promptGate{}
	c := NewController(testConfig(), &fakeVoice{}, gate, capture.NewSlot(), Events{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&gate.requests) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	assert.ErrorIs(t, c.Start(context.Background()), ErrAlreadyActive)
	require.NoError(t, c.End())
	assert.ErrorIs(t, <-done, ErrSessionEnded)
}

func TestCaptureTool_ReturnsSubmittedEmail(t *testing.T) {
	voice := &fakeVoice{}
	slot := capture.NewSlot()
	c := NewController(testConfig(), voice, granted(), slot, Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	type out struct {
		email string
		err   error
	}
	res := make(chan out, 1)
	go func() {
		email, err := voice.tool(DefaultToolName)(context.Background(), map[string]any{"prompt": "Where should we send it?"})
		res <- out{email, err}
	}()

	waitOpen(t, slot)
	v := slot.View()
	assert.Equal(t, "Where should we send it?", v.Prompt)
	assert.Equal(t, capture.OriginAgentTool, v.Origin)
	require.NoError(t, slot.Submit("  Jane@Example.com "))

	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, "Jane@Example.com", got.email)
}

func TestRemoteDisconnect_AbortsPendingCapture(t *testing.T) {
	voice := &fakeVoice{}
	slot := capture.NewSlot()
	c := NewController(testConfig(), voice, granted(), slot, Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	errc := make(chan error, 1)
	go func() {
		_, err := voice.tool(DefaultToolName)(context.Background(), nil)
		errc <- err
	}()
	waitOpen(t, slot)
	assert.Equal(t, DefaultToolPrompt, slot.View().Prompt)

	voice.handlers().OnDisconnect(errors.New("socket reset"))

	select {
	case err := <-errc:
		require.Error(t, err)
		assert.Equal(t, capture.ReasonConnectionLost, err.Error())
	case <-time.After(time.Second):
		t.Fatal("tool call was not resolved")
	}
	assert.False(t, slot.View().Open)
	assert.Equal(t, StatusDisconnected, c.Snapshot().Status)

	// a new call can start after a drop
	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StatusConnected, c.Snapshot().Status)
}

func TestListenersSeeChangesInOrder(t *testing.T) {
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	var mu sync.Mutex
	var seen []Snapshot
	c.OnChange(func(s Snapshot) {
		if s.Speaking {
			time.Sleep(20 * time.Millisecond)
		}
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	h := voice.handlers()
	done := make(chan struct{})
	go func() {
		h.OnModeChange(true)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for !c.Snapshot().Speaking && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	h.OnDisconnect(errors.New("socket reset"))
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.True(t, seen[0].Speaking)
	assert.Equal(t, StatusDisconnected, seen[1].Status)
	assert.Equal(t, c.Snapshot(), seen[1])
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	old := voice.handlers()
	first := voice.sess

	require.NoError(t, c.End())
	assert.EqualValues(t, 1, atomic.LoadInt32(&first.closed))
	require.NoError(t, c.Start(context.Background()))

	old.OnDisconnect(nil)
	old.OnModeChange(true)
	snap := c.Snapshot()
	assert.Equal(t, StatusConnected, snap.Status)
	assert.False(t, snap.Speaking)
}

func TestModeChangeUpdatesSpeaking(t *testing.T) {
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	voice.handlers().OnModeChange(true)
	assert.True(t, c.Snapshot().Speaking)
	voice.handlers().OnModeChange(false)
	assert.False(t, c.Snapshot().Speaking)
}

func TestAutoTrigger_OpensOncePerCall(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTriggerEnabled = true
	cfg.AutoTriggerDelay = 10 * time.Millisecond
	slot := capture.NewSlot()
	c := NewController(cfg, &fakeVoice{}, granted(), slot, Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	waitOpen(t, slot)
	v := slot.View()
	assert.Equal(t, capture.OriginAutoTrigger, v.Origin)
	assert.Equal(t, DefaultAutoPrompt, v.Prompt)
	require.NoError(t, slot.Cancel())

	time.Sleep(50 * time.Millisecond)
	assert.False(t, slot.View().Open, "auto capture must not reopen in the same call")
}

func TestEnd_BeforeAutoTriggerSuppressesIt(t *testing.T) {
	cfg := testConfig()
	cfg.AutoTriggerEnabled = true
	cfg.AutoTriggerDelay = 30 * time.Millisecond
	slot := capture.NewSlot()
	c := NewController(cfg, &fakeVoice{}, granted(), slot, Events{}, nil, nil)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.End())

	time.Sleep(60 * time.Millisecond)
	assert.False(t, slot.View().Open)
	assert.Equal(t, StatusDisconnected, c.Snapshot().Status)
}

func TestSendAudio(t *testing.T) {
	voice := &fakeVoice{}
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{}, nil, nil)
	assert.ErrorIs(t, c.SendAudio("AAAA"), ErrNotConnected)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.SendAudio("AAAA"))
	assert.Equal(t, []string{"AAAA"}, voice.sess.audio)
}

func TestEventsAreRelayed(t *testing.T) {
	voice := &fakeVoice{}
	var got []convai.Message
	c := NewController(testConfig(), voice, granted(), capture.NewSlot(), Events{
		OnMessage: func(m convai.Message) { got = append(got, m) },
	}, nil, nil)
	require.NoError(t, c.Start(context.Background()))

	voice.handlers().OnMessage(convai.Message{Source: "ai", Text: "hi"})
	assert.Equal(t, []convai.Message{{Source: "ai", Text: "hi"}}, got)
}

func waitOpen(t *testing.T, slot *capture.Slot) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !slot.View().Open {
		if time.Now().After(deadline) {
			t.Fatal("capture never opened")
		}
		time.Sleep(time.Millisecond)
	}
}
