// Package upstream abstracts the bidirectional live connection to the
// remote conversational audio model. The application is a pure consumer of
// this contract; it does not own the wire protocol.
package upstream

import "context"

type EventType string

const (
	// EventAudio delivers one fragment of model speech.
	EventAudio EventType = "audio"
	// EventInterrupted signals a barge-in: the user spoke over the model
	// and everything scheduled for playback must be discarded.
	EventInterrupted EventType = "interrupted"
	// EventTurnComplete marks the end of one model response.
	EventTurnComplete EventType = "turn_complete"
	// EventClosed is the last event on a session that ended normally.
	EventClosed EventType = "closed"
	// EventError is the last event on a session that failed.
	EventError EventType = "error"
)

// Event is one inbound message from the live session. The event channel is
// closed after EventClosed or EventError.
type Event struct {
	Type       EventType
	PCM        []byte // EventAudio: PCM16LE mono
	SampleRate int    // EventAudio

	Code      string // EventError
	Detail    string // EventError
	Retryable bool   // EventError
}

// Config carries everything needed to open one live session.
type Config struct {
	Model             string
	Voice             string
	SystemInstruction string
	InputSampleRate   int
	OutputSampleRate  int
}

// Session is the outbound half of an open live connection.
type Session interface {
	// SendAudio forwards one PCM16LE capture frame. Frames must be
	// delivered in call order; implementations do not reorder.
	SendAudio(ctx context.Context, pcm []byte) error
	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// Provider opens live sessions against one backend.
type Provider interface {
	Connect(ctx context.Context, cfg Config) (Session, <-chan Event, error)
}
