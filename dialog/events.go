// Package dialog speaks the assistant engine's event protocol: one JSON
// frame per websocket message, tagged with an event type and the media
// channel it belongs to.
package dialog

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

type EventType string

const (
	EventTypeIntent         EventType = "intent"
	EventTypeTranscription  EventType = "transcription"
	EventTypeAudio          EventType = "audio"
	EventTypeEndOfUtterance EventType = "end_of_utterance"
	EventTypeError          EventType = "error"
)

// Event is one typed message from the assistant engine for a media channel.
type Event interface {
	Type() EventType
}

// QueryResult carries the recognized intent for a completed dialog turn.
type QueryResult struct {
	Intent          string  `json:"intent"`
	FulfillmentText string  `json:"fulfillmentText"`
	EndInteraction  bool    `json:"endInteraction"`
	Confidence      float64 `json:"confidence"`
}

type IntentEvent struct {
	Query QueryResult `json:"queryResult"`
}

type TranscriptionEvent struct {
	Text    string `json:"text"`
	IsFinal bool   `json:"isFinal"`
}

type AudioEvent struct {
	ClipPath string `json:"clipPath"`
}

type EndOfUtteranceEvent struct{}

type ErrorEvent struct {
	Detail string `json:"detail"`
}

func (IntentEvent) Type() EventType         { return EventTypeIntent }
func (TranscriptionEvent) Type() EventType  { return EventTypeTranscription }
func (AudioEvent) Type() EventType          { return EventTypeAudio }
func (EndOfUtteranceEvent) Type() EventType { return EventTypeEndOfUtterance }
func (ErrorEvent) Type() EventType          { return EventTypeError }

type frame struct {
	Type    EventType       `json:"type"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DecodeEvent parses a single wire frame into its typed event.
func DecodeEvent(data []byte) (Event, error) {
	var f frame
	if err := sonic.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode event frame: %w", err)
	}

	switch f.Type {
	case EventTypeIntent:
		var ev IntentEvent
		if err := unmarshalData(f.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventTypeTranscription:
		var ev TranscriptionEvent
		if err := unmarshalData(f.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventTypeAudio:
		var ev AudioEvent
		if err := unmarshalData(f.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	case EventTypeEndOfUtterance:
		return EndOfUtteranceEvent{}, nil
	case EventTypeError:
		var ev ErrorEvent
		if err := unmarshalData(f.Data, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", f.Type)
	}
}

func unmarshalData(data json.RawMessage, out any) error {
	if len(data) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}

func encodeFrame(typ EventType, channel string, payload any) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := sonic.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		data = raw
	}
	return sonic.Marshal(frame{Type: typ, Channel: channel, Data: data})
}
