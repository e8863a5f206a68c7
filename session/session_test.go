package session_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/voicebridge/assistant-gateway/dialog"
	"github.com/voicebridge/assistant-gateway/session"
)

type fakeChannel struct {
	mu          sync.Mutex
	plays       []string
	destroys    int32
	playStarted chan string
	release     chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{playStarted: make(chan string, 8)}
}

func (c *fakeChannel) ID() string { return "fake" }

func (c *fakeChannel) Play(ctx context.Context, clipPath string) error {
	c.mu.Lock()
	c.plays = append(c.plays, clipPath)
	c.mu.Unlock()
	c.playStarted <- clipPath
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (c *fakeChannel) Destroy() {
	atomic.AddInt32(&c.destroys, 1)
}

func (c *fakeChannel) Plays() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.plays...)
}

func (c *fakeChannel) Destroys() int {
	return int(atomic.LoadInt32(&c.destroys))
}

type fakeEngine struct {
	events  chan dialog.Event
	turns   chan dialog.TurnRequest
	turnErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan dialog.Event, 16),
		turns:  make(chan dialog.TurnRequest, 16),
	}
}

func (e *fakeEngine) StartTurn(ctx context.Context, req dialog.TurnRequest) error {
	e.turns <- req
	return e.turnErr
}

func (e *fakeEngine) Events() <-chan dialog.Event { return e.events }

func testConfig() session.TurnConfig {
	return session.TurnConfig{
		AssistantProfile: "support-agent",
		LanguageCode:     "en-US",
		TurnTimeout:      2 * time.Second,
		FallbackDelay:    2 * time.Second,
		GreetingEvent:    "welcome",
	}
}

func newTestSession(t *testing.T, mc *fakeChannel, eng *fakeEngine, cfg session.TurnConfig) *session.Session {
	t.Helper()
	sess := session.New(context.Background(), "call_test", mc, eng, cfg, zaptest.NewLogger(t))
	t.Cleanup(func() {
		sess.Hangup()
		<-sess.Done()
	})
	return sess
}

func waitTurn(t *testing.T, eng *fakeEngine) dialog.TurnRequest {
	t.Helper()
	select {
	case req := <-eng.turns:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for startTurn command")
		return dialog.TurnRequest{}
	}
}

func waitDone(t *testing.T, sess *session.Session) {
	t.Helper()
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for session to finish")
	}
}

func waitPlayStarted(t *testing.T, mc *fakeChannel) string {
	t.Helper()
	select {
	case clip := <-mc.playStarted:
		return clip
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for playback to start")
		return ""
	}
}

func requireNoTurn(t *testing.T, eng *fakeEngine) {
	t.Helper()
	select {
	case req := <-eng.turns:
		t.Fatalf("unexpected startTurn command: %+v", req)
	default:
	}
}

func TestGreetingMarkerOnFirstTurnOnly(t *testing.T) {
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()

	first := waitTurn(t, eng)
	assert.Equal(t, "welcome", first.EventMarker)
	assert.Equal(t, "support-agent", first.AssistantProfile)
	assert.Equal(t, "en-US", first.LanguageCode)
	assert.Equal(t, 2, first.TurnTimeoutSeconds)

	eng.events <- dialog.AudioEvent{ClipPath: "greeting.wav"}
	second := waitTurn(t, eng)
	assert.Empty(t, second.EventMarker)
	assert.Equal(t, session.StateTurnInProgress, sess.State())
}

// Multi-turn conversation: the session keeps looping until a terminal
// intent or hangup shows up.
func TestMultiTurnConversation(t *testing.T) {
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.AudioEvent{ClipPath: "welcome.wav"}
	waitTurn(t, eng)

	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{Intent: "faq.hours"}}
	eng.events <- dialog.AudioEvent{ClipPath: "response1.wav"}
	waitTurn(t, eng)

	assert.Equal(t, session.StateTurnInProgress, sess.State())
	assert.Equal(t, []string{"welcome.wav", "response1.wav"}, mc.Plays())
	assert.Zero(t, mc.Destroys())
}

func TestEndInteractionPlaysFinalClipThenTerminates(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackDelay = 40 * time.Millisecond
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, cfg)

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{Intent: "goodbye", EndInteraction: true}}
	eng.events <- dialog.AudioEvent{ClipPath: "goodbye.wav"}
	waitDone(t, sess)

	assert.Equal(t, []string{"goodbye.wav"}, mc.Plays())
	assert.Equal(t, session.StateTerminated, sess.State())
	requireNoTurn(t, eng)

	// The cancelled fallback timer must not double-terminate.
	time.Sleep(3 * cfg.FallbackDelay)
	assert.Equal(t, 1, mc.Destroys())
}

func TestFallbackTerminatesWhenFinalAudioNeverArrives(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackDelay = 30 * time.Millisecond
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, cfg)

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{Intent: "goodbye", EndInteraction: true}}
	waitDone(t, sess)

	assert.Empty(t, mc.Plays())
	assert.Equal(t, 1, mc.Destroys())
	assert.Equal(t, session.StateTerminated, sess.State())
}

func TestHangupMidPlayback(t *testing.T) {
	mc := newFakeChannel()
	mc.release = make(chan struct{}) // playback never completes on its own
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.AudioEvent{ClipPath: "long.wav"}
	waitPlayStarted(t, mc)

	sess.Hangup()
	waitDone(t, sess)

	assert.Equal(t, session.StateTerminated, sess.State())
	assert.Equal(t, 1, mc.Destroys())
	requireNoTurn(t, eng)
}

func TestHangupWinsRegardlessOfState(t *testing.T) {
	for _, tc := range []struct {
		name  string
		setup func(t *testing.T, eng *fakeEngine, sess *session.Session)
	}{
		{"before first turn completes", func(t *testing.T, eng *fakeEngine, sess *session.Session) {}},
		{"awaiting final clip", func(t *testing.T, eng *fakeEngine, sess *session.Session) {
			eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{EndInteraction: true}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			mc := newFakeChannel()
			eng := newFakeEngine()
			sess := newTestSession(t, mc, eng, testConfig())

			sess.Start()
			waitTurn(t, eng)
			tc.setup(t, eng, sess)

			sess.Hangup()
			waitDone(t, sess)

			assert.Equal(t, session.StateTerminated, sess.State())
			assert.Equal(t, 1, mc.Destroys())
		})
	}
}

func TestFallbackAndHangupRaceDestroysOnce(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackDelay = 10 * time.Millisecond
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, cfg)

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{EndInteraction: true}}
	sess.Hangup()
	waitDone(t, sess)

	time.Sleep(5 * cfg.FallbackDelay)
	assert.Equal(t, 1, mc.Destroys())
	assert.Equal(t, session.StateTerminated, sess.State())
}

func TestNoCommandsAfterTermination(t *testing.T) {
	cfg := testConfig()
	cfg.FallbackDelay = 20 * time.Millisecond
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, cfg)

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{EndInteraction: true}}
	waitDone(t, sess)

	plays := len(mc.Plays())
	eng.events <- dialog.AudioEvent{ClipPath: "stray.wav"}
	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{Intent: "stray"}}
	time.Sleep(50 * time.Millisecond)

	requireNoTurn(t, eng)
	assert.Len(t, mc.Plays(), plays)
	assert.Equal(t, 1, mc.Destroys())
}

func TestTurnTimeoutTerminatesStalledTurn(t *testing.T) {
	cfg := testConfig()
	cfg.TurnTimeout = 30 * time.Millisecond
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, cfg)

	sess.Start()
	waitTurn(t, eng)

	waitDone(t, sess)
	assert.Equal(t, session.StateTerminated, sess.State())
	assert.Equal(t, 1, mc.Destroys())
}

func TestIntentCancelsTurnTimer(t *testing.T) {
	cfg := testConfig()
	cfg.TurnTimeout = 40 * time.Millisecond
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, cfg)

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.IntentEvent{Query: dialog.QueryResult{Intent: "faq.hours"}}
	time.Sleep(3 * cfg.TurnTimeout)

	assert.Zero(t, mc.Destroys())
	assert.NotEqual(t, session.StateTerminated, sess.State())
}

func TestInformationalEventsLeaveStateUnchanged(t *testing.T) {
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()
	waitTurn(t, eng)

	eng.events <- dialog.TranscriptionEvent{Text: "partial", IsFinal: false}
	eng.events <- dialog.TranscriptionEvent{Text: "what are your hours", IsFinal: true}
	eng.events <- dialog.EndOfUtteranceEvent{}
	eng.events <- dialog.ErrorEvent{Detail: "transient recognition glitch"}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, session.StateTurnInProgress, sess.State())
	assert.Zero(t, mc.Destroys())
	requireNoTurn(t, eng)
}

func TestStartTurnFailureDoesNotFailCall(t *testing.T) {
	mc := newFakeChannel()
	eng := newFakeEngine()
	eng.turnErr = context.DeadlineExceeded
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()
	waitTurn(t, eng)

	assert.Equal(t, session.StateTurnInProgress, sess.State())
	assert.Zero(t, mc.Destroys())
}

func TestEventStreamClosedTerminatesCall(t *testing.T) {
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()
	waitTurn(t, eng)

	close(eng.events)
	waitDone(t, sess)

	assert.Equal(t, session.StateTerminated, sess.State())
	assert.Equal(t, 1, mc.Destroys())
}

func TestHangupIsIdempotent(t *testing.T) {
	mc := newFakeChannel()
	eng := newFakeEngine()
	sess := newTestSession(t, mc, eng, testConfig())

	sess.Start()
	waitTurn(t, eng)

	require.NotPanics(t, func() {
		sess.Hangup()
		sess.Hangup()
	})
	waitDone(t, sess)
	assert.Equal(t, 1, mc.Destroys())
}
