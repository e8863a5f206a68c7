package dialog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Command frame types sent to the engine.
const (
	commandSubscribe EventType = "subscribe"
	commandStartTurn EventType = "startTurn"
)

const defaultWriteTimeout = 5 * time.Second

// TurnRequest is the startTurn command payload.
type TurnRequest struct {
	AssistantProfile   string `json:"assistantProfile"`
	LanguageCode       string `json:"languageCode"`
	TurnTimeoutSeconds int    `json:"turnTimeoutSeconds"`
	EventMarker        string `json:"eventMarker,omitempty"`
}

// Client dials the assistant engine. One Client serves the whole process;
// each call gets its own Stream.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *zap.Logger
}

func NewClient(url string, log *zap.Logger) *Client {
	return &Client{
		url:    url,
		dialer: websocket.DefaultDialer,
		log:    log,
	}
}

// Connect opens the event subscription for one media channel. A failure
// here means the call cannot be serviced at all.
func (c *Client) Connect(ctx context.Context, channelID string) (*Stream, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial assistant engine: %w", err)
	}

	s := &Stream{
		channelID: channelID,
		conn:      conn,
		events:    make(chan Event, 32),
		closed:    make(chan struct{}),
		log:       c.log.With(zap.String("channel_id", channelID)),
	}
	if err := s.sendCommand(ctx, commandSubscribe, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe channel %s: %w", channelID, err)
	}

	go s.readLoop()
	return s, nil
}

// Stream is one live event subscription bound to a media channel.
type Stream struct {
	channelID string
	conn      *websocket.Conn
	events    chan Event
	closed    chan struct{}
	log       *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Events delivers engine events in arrival order. The channel is closed
// when the connection drops or the stream is closed.
func (s *Stream) Events() <-chan Event {
	return s.events
}

// StartTurn asks the engine to begin listening for the next caller
// utterance on this channel.
func (s *Stream) StartTurn(ctx context.Context, req TurnRequest) error {
	return s.sendCommand(ctx, commandStartTurn, req)
}

func (s *Stream) sendCommand(ctx context.Context, name EventType, payload any) error {
	data, err := encodeFrame(name, s.channelID, payload)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", name, err)
	}
	return nil
}

func (s *Stream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				// Locally initiated close.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.log.Debug("event stream closed", zap.Error(err))
				}
			}
			return
		}
		ev, err := DecodeEvent(data)
		if err != nil {
			// Malformed frames never fail the call.
			s.log.Warn("skipping undecodable event frame", zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.closed:
			return
		}
	}
}

// Close tears down the subscription. Safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
