// Package session implements the per-call turn-taking state machine and the
// registry of live calls.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voicebridge/assistant-gateway/dialog"
	"github.com/voicebridge/assistant-gateway/media"
)

// DialogState tracks where a call is in its conversation loop.
type DialogState int

const (
	StateAwaitingTurnStart DialogState = iota
	StateTurnInProgress
	StateAwaitingPlaybackStart
	StatePlaying
	StateTerminating
	StateTerminated
)

func (s DialogState) String() string {
	switch s {
	case StateAwaitingTurnStart:
		return "awaiting_turn_start"
	case StateTurnInProgress:
		return "turn_in_progress"
	case StateAwaitingPlaybackStart:
		return "awaiting_playback_start"
	case StatePlaying:
		return "playing"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// EventSource is the session's view of the assistant engine: one ordered
// event subscription plus the turn-start command.
type EventSource interface {
	StartTurn(ctx context.Context, req dialog.TurnRequest) error
	Events() <-chan dialog.Event
}

// TurnConfig carries the fixed parameters for every dialog turn. The
// session treats them as opaque.
type TurnConfig struct {
	AssistantProfile string
	LanguageCode     string
	TurnTimeout      time.Duration
	FallbackDelay    time.Duration
	GreetingEvent    string
}

type timerKind int

const (
	timerFallback timerKind = iota
	timerTurn
)

// timerEvent is a synthetic event a timer injects into the session's
// ordered event stream, so timer firings are serialized against engine
// events instead of racing them.
type timerEvent struct {
	kind timerKind
	seq  uint64
}

// Session drives the conversation loop for one call. All engine events and
// timer firings are processed one at a time by a single goroutine; Hangup
// is the only entry point that bypasses that queue, because caller hangup
// must win over anything in flight.
type Session struct {
	id     string
	media  media.Channel
	engine EventSource
	cfg    TurnConfig
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu                  sync.Mutex
	state               DialogState
	hangupAfterPlayback bool
	playbackPending     bool

	// Owned by the event loop (and New/Start before it runs).
	turnSeq   uint64
	turnTimer *time.Timer
	fallback  *time.Timer
	timerC    chan timerEvent

	destroyOnce sync.Once
	done        chan struct{}
}

func New(ctx context.Context, id string, mc media.Channel, engine EventSource, cfg TurnConfig, log *zap.Logger) *Session {
	sctx, cancel := context.WithCancel(ctx)
	return &Session{
		id:     id,
		media:  mc,
		engine: engine,
		cfg:    cfg,
		log:    log.With(zap.String("call_id", id)),
		ctx:    sctx,
		cancel: cancel,
		state:  StateAwaitingTurnStart,
		timerC: make(chan timerEvent, 2),
		done:   make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

// State returns the current dialog state.
func (s *Session) State() DialogState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session has finished processing events.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start issues the first dialog turn (carrying the greeting marker) and
// begins consuming events. A failed turn-start command is reported through
// the same log-and-continue path as a DialogError event.
func (s *Session) Start() {
	s.setState(StateTurnInProgress)
	s.startTurn(s.cfg.GreetingEvent)
	go s.run()
}

// Hangup handles caller-side termination. It takes effect even mid-playback
// or while a turn is outstanding: the media channel is destroyed exactly
// once and no further commands are issued. Results of in-flight requests
// arriving afterwards are ignored.
func (s *Session) Hangup() {
	s.cancel()
	s.destroyMedia()
	s.setState(StateTerminated)
}

func (s *Session) run() {
	defer close(s.done)
	defer s.cancel()
	for {
		select {
		case ev, ok := <-s.engine.Events():
			if !ok {
				s.terminate("event stream closed")
				return
			}
			s.handleEvent(ev)
		case te := <-s.timerC:
			s.handleTimer(te)
		case <-s.ctx.Done():
			s.finish()
			return
		}
		if s.State() == StateTerminated {
			return
		}
	}
}

func (s *Session) handleEvent(ev dialog.Event) {
	if st := s.State(); st == StateTerminating || st == StateTerminated {
		s.log.Debug("ignoring event after termination", zap.String("event", string(ev.Type())))
		return
	}

	switch e := ev.(type) {
	case dialog.IntentEvent:
		s.handleIntent(e)
	case dialog.TranscriptionEvent:
		if e.IsFinal {
			s.log.Info("final transcription", zap.String("text", e.Text))
		}
	case dialog.AudioEvent:
		s.handleAudio(e)
	case dialog.EndOfUtteranceEvent:
		s.log.Debug("end of utterance")
	case dialog.ErrorEvent:
		// Assistant-side errors never fail the call.
		s.log.Warn("dialog error, continuing call", zap.String("detail", e.Detail))
	default:
		s.log.Debug("unhandled event", zap.String("event", string(ev.Type())))
	}
}

func (s *Session) handleIntent(e dialog.IntentEvent) {
	s.log.Info("intent recognized",
		zap.String("intent", e.Query.Intent),
		zap.String("fulfillment", e.Query.FulfillmentText),
		zap.Bool("end_interaction", e.Query.EndInteraction))

	// A dialog turn ends at the intent result.
	s.stopTurnTimer()

	if !e.Query.EndInteraction {
		return
	}

	s.mu.Lock()
	if s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	s.hangupAfterPlayback = true
	s.playbackPending = true
	s.state = StateAwaitingPlaybackStart
	s.mu.Unlock()

	// The assistant may never produce the closing clip; the fallback timer
	// guarantees the call still terminates.
	s.armFallback()
}

func (s *Session) handleAudio(e dialog.AudioEvent) {
	if st := s.State(); st != StateTurnInProgress && st != StateAwaitingPlaybackStart {
		s.log.Debug("dropping audio clip", zap.Stringer("state", st), zap.String("clip", e.ClipPath))
		return
	}

	s.mu.Lock()
	s.playbackPending = false
	s.mu.Unlock()
	s.stopFallback()

	s.setState(StatePlaying)
	if err := s.media.Play(s.ctx, e.ClipPath); err != nil {
		if s.ctx.Err() != nil {
			// Hangup raced in; it owns the teardown.
			return
		}
		s.log.Warn("playback failed, continuing call", zap.String("clip", e.ClipPath), zap.Error(err))
	}

	if s.hangupAfter() {
		s.terminate("assistant ended interaction")
		return
	}

	s.setState(StateTurnInProgress)
	s.startTurn("")
}

func (s *Session) handleTimer(te timerEvent) {
	st := s.State()
	if st == StateTerminating || st == StateTerminated {
		return
	}

	switch te.kind {
	case timerFallback:
		s.mu.Lock()
		pending := s.playbackPending
		s.mu.Unlock()
		if !pending {
			// The final clip arrived first; the playback path terminates.
			return
		}
		s.log.Warn("no final audio within fallback window")
		s.terminate("fallback timer")
	case timerTurn:
		if te.seq != s.turnSeq {
			return // stale firing from a turn that already completed
		}
		if st != StateTurnInProgress {
			return
		}
		s.log.Warn("dialog turn timed out", zap.Duration("timeout", s.cfg.TurnTimeout))
		s.terminate("turn timeout")
	}
}

func (s *Session) startTurn(eventMarker string) {
	if s.ctx.Err() != nil {
		return
	}
	if st := s.State(); st == StateTerminating || st == StateTerminated {
		return
	}

	req := dialog.TurnRequest{
		AssistantProfile:   s.cfg.AssistantProfile,
		LanguageCode:       s.cfg.LanguageCode,
		TurnTimeoutSeconds: int(s.cfg.TurnTimeout / time.Second),
		EventMarker:        eventMarker,
	}
	if err := s.engine.StartTurn(s.ctx, req); err != nil {
		s.log.Warn("start turn failed, continuing call", zap.Error(err))
	}
	s.armTurnTimer()
}

func (s *Session) terminate(reason string) {
	s.setState(StateTerminating)
	s.log.Info("terminating call", zap.String("reason", reason))
	s.destroyMedia()
	s.setState(StateTerminated)
	s.cancel()
}

// finish handles context cancellation observed by the event loop, either
// from Hangup (media already destroyed) or from server shutdown.
func (s *Session) finish() {
	s.destroyMedia()
	s.setState(StateTerminated)
}

func (s *Session) destroyMedia() {
	s.destroyOnce.Do(s.media.Destroy)
}

func (s *Session) hangupAfter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hangupAfterPlayback
}

// setState moves the dialog state. Terminated is sticky: once a call has
// terminated nothing may resurrect it.
func (s *Session) setState(st DialogState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return
	}
	s.state = st
}

func (s *Session) armTurnTimer() {
	s.stopTurnTimer()
	seq := s.turnSeq
	s.turnTimer = time.AfterFunc(s.cfg.TurnTimeout, func() {
		s.injectTimer(timerEvent{kind: timerTurn, seq: seq})
	})
}

func (s *Session) stopTurnTimer() {
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	s.turnSeq++
}

func (s *Session) armFallback() {
	s.stopFallback()
	s.fallback = time.AfterFunc(s.cfg.FallbackDelay, func() {
		s.injectTimer(timerEvent{kind: timerFallback})
	})
}

func (s *Session) stopFallback() {
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
}

func (s *Session) injectTimer(te timerEvent) {
	select {
	case s.timerC <- te:
	case <-s.ctx.Done():
	}
}
