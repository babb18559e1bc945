package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeClientAudioChunk MessageType = "client_audio_chunk"
	TypeClientControl    MessageType = "client_control"
	TypeModelAudioChunk  MessageType = "model_audio_chunk"
	TypePlaybackCleared  MessageType = "playback_cleared"
	TypeStatusEvent      MessageType = "status_event"
	TypeErrorEvent       MessageType = "error_event"
)

// Control actions accepted from the avatar client.
const (
	ActionInterrupt = "interrupt"
	ActionRetry     = "retry"
	ActionStop      = "stop"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ClientAudioChunk carries one captured microphone buffer, PCM16LE mono.
type ClientAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	TSMs        int64       `json:"ts_ms"`
}

// ClientControl carries a call control action (interrupt, retry, stop).
type ClientControl struct {
	Type   MessageType `json:"type"`
	CallID string      `json:"call_id"`
	Action string      `json:"action"`
	TSMs   int64       `json:"ts_ms"`
}

// ModelAudioChunk is one scheduled fragment of model speech. StartMs and
// DurationMs place the fragment on the playback clock; Amplitude is the
// RMS lip-sync scalar for the avatar driver.
type ModelAudioChunk struct {
	Type        MessageType `json:"type"`
	CallID      string      `json:"call_id"`
	FragmentID  string      `json:"fragment_id"`
	Seq         int         `json:"seq"`
	PCM16Base64 string      `json:"pcm16_base64"`
	SampleRate  int         `json:"sample_rate"`
	StartMs     int64       `json:"start_ms"`
	DurationMs  int64       `json:"duration_ms"`
	Amplitude   float64     `json:"amplitude"`
}

// PlaybackCleared tells the client to flush everything it has buffered.
// Sent when the remote signals a barge-in interruption.
type PlaybackCleared struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Cancelled int         `json:"cancelled"`
	Reason    string      `json:"reason"`
}

// StatusEvent reflects the connection status surface the UI renders.
type StatusEvent struct {
	Type     MessageType `json:"type"`
	CallID   string      `json:"call_id"`
	Status   string      `json:"status"`
	Speaking bool        `json:"speaking"`
	Detail   string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	CallID    string      `json:"call_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

// ParseClientMessage decodes and validates a message from the avatar client.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientAudioChunk:
		var msg ClientAudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" || msg.PCM16Base64 == "" || msg.SampleRate <= 0 {
			return nil, errors.New("invalid client_audio_chunk")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.CallID == "" {
			return nil, errors.New("invalid client_control")
		}
		switch msg.Action {
		case ActionInterrupt, ActionRetry, ActionStop:
		default:
			return nil, fmt.Errorf("invalid client_control action %q", msg.Action)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
