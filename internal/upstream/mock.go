package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shinnpuru/moecall/internal/audio"
)

// MockProvider is a local fallback backend used when no Gemini key is
// configured, and the scripted session used by bridge and httpapi tests.
type MockProvider struct {
	mu          sync.Mutex
	connectErr  error
	connectGate chan struct{}
	autoRespond bool
	sessions    []*MockSession
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

// NewEchoingMockProvider returns a provider whose sessions speak a short
// tone after every half second of received audio. Used as the dev-mode
// backend so the avatar animates without a real model.
func NewEchoingMockProvider() *MockProvider { return &MockProvider{autoRespond: true} }

// FailNextConnect makes the next Connect return err. Simulates connection
// refusal and permission-style setup failures.
func (p *MockProvider) FailNextConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// HoldConnect blocks Connect calls until ReleaseConnect, so tests can
// observe the connecting state deterministically.
func (p *MockProvider) HoldConnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectGate = make(chan struct{})
}

func (p *MockProvider) ReleaseConnect() {
	p.mu.Lock()
	gate := p.connectGate
	p.connectGate = nil
	p.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (p *MockProvider) Connect(ctx context.Context, cfg Config) (Session, <-chan Event, error) {
	p.mu.Lock()
	gate := p.connectGate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectErr != nil {
		err := p.connectErr
		p.connectErr = nil
		return nil, nil, err
	}

	outRate := cfg.OutputSampleRate
	if outRate <= 0 {
		outRate = 24000
	}
	events := make(chan Event, 64)
	s := &MockSession{
		cfg:         cfg,
		outRate:     outRate,
		events:      events,
		autoRespond: p.autoRespond,
	}
	p.sessions = append(p.sessions, s)
	return s, events, nil
}

// LastSession returns the most recently opened session, or nil.
func (p *MockProvider) LastSession() *MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// SessionCount reports how many sessions the provider has opened.
func (p *MockProvider) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// MockSession records outbound audio and lets tests script inbound events.
type MockSession struct {
	cfg         Config
	outRate     int
	autoRespond bool

	mu        sync.Mutex
	events    chan Event
	sent      [][]byte
	sentBytes int
	closed    bool
}

var errSessionClosed = errors.New("mock session is closed")

func (s *MockSession) SendAudio(_ context.Context, pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	s.sent = append(s.sent, frame)
	s.sentBytes += len(frame)
	if s.autoRespond && s.sentBytes >= s.inRateBytes()/2 {
		s.sentBytes = 0
		tone := audio.SineTone(330, s.outRate, 300*time.Millisecond, 0.4)
		s.emitLocked(Event{Type: EventAudio, PCM: tone, SampleRate: s.outRate})
		s.emitLocked(Event{Type: EventTurnComplete})
	}
	return nil
}

func (s *MockSession) inRateBytes() int {
	rate := s.cfg.InputSampleRate
	if rate <= 0 {
		rate = 16000
	}
	return rate * audio.BytesPerSample
}

func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// Closed reports whether Close has been called.
func (s *MockSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sent returns a copy of all forwarded audio frames in arrival order.
func (s *MockSession) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.sent))
	copy(out, s.sent)
	return out
}

// Config returns the connect configuration this session was opened with.
func (s *MockSession) Config() Config { return s.cfg }

// EmitAudio scripts one inbound model audio fragment.
func (s *MockSession) EmitAudio(pcm []byte, sampleRate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	s.emitLocked(Event{Type: EventAudio, PCM: frame, SampleRate: sampleRate})
}

// EmitInterrupted scripts a barge-in signal.
func (s *MockSession) EmitInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(Event{Type: EventInterrupted})
}

// EmitTurnComplete scripts the end of a model response.
func (s *MockSession) EmitTurnComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(Event{Type: EventTurnComplete})
}

// EmitError scripts a mid-call remote error and closes the event stream,
// matching real session behavior.
func (s *MockSession) EmitError(code, detail string, retryable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitLocked(Event{Type: EventError, Code: code, Detail: detail, Retryable: retryable})
	s.closed = true
	close(s.events)
}

func (s *MockSession) emitLocked(evt Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		// Tests that stop consuming should not deadlock scripted emits.
	}
}
