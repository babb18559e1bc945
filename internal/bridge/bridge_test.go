package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shinnpuru/moecall/internal/persona"
	"github.com/shinnpuru/moecall/internal/protocol"
	"github.com/shinnpuru/moecall/internal/upstream"
)

func newTestBridge(t *testing.T, p *upstream.MockProvider) *Bridge {
	t.Helper()
	b := New(Config{
		CallID:       "call-1",
		Persona:      persona.Persona{Name: "Moe"},
		Provider:     p,
		PendingLimit: 4,
	})
	t.Cleanup(func() { _ = b.Close() })
	return b
}

// waitFor drains outbound messages until match returns true.
func waitFor[T any](t *testing.T, b *Bridge, match func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-b.Outbound():
			if typed, ok := msg.(T); ok && match(typed) {
				return typed
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func waitStatus(t *testing.T, b *Bridge, want Status) protocol.StatusEvent {
	t.Helper()
	return waitFor(t, b, func(msg protocol.StatusEvent) bool {
		return msg.Status == string(want)
	})
}

func waitSession(t *testing.T, p *upstream.MockProvider) *upstream.MockSession {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.LastSession(); s != nil {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no session opened")
	return nil
}

func waitSent(t *testing.T, s *upstream.MockSession, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sent := s.Sent(); len(sent) >= n {
			return sent
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d forwarded frames, have %d", n, len(s.Sent()))
	return nil
}

func TestStartConnectsAndReportsStatus(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnecting)
	waitStatus(t, b, StatusConnected)

	if st, detail := b.Status(); st != StatusConnected || detail != "" {
		t.Fatalf("status = %v %q", st, detail)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Fatalf("second start should be rejected")
	}
}

func TestPreOpenAudioDrainsInOrder(t *testing.T) {
	p := upstream.NewMockProvider()
	p.HoldConnect()
	b := newTestBridge(t, p)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	// The dial is held open, so these frames wait in the bounded queue.
	for i := byte(1); i <= 3; i++ {
		if err := b.SendAudio([]byte{i, i}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if st, _ := b.Status(); st != StatusConnecting {
		t.Fatalf("status = %v, want connecting", st)
	}

	p.ReleaseConnect()
	waitStatus(t, b, StatusConnected)

	sent := waitSent(t, waitSession(t, p), 3)
	for i, frame := range sent[:3] {
		want := byte(i + 1)
		if frame[0] != want {
			t.Fatalf("frame %d out of order: got %v", i, frame)
		}
	}
}

func TestPendingQueueEvictsOldest(t *testing.T) {
	q := newPendingQueue(3)
	for i := byte(1); i <= 5; i++ {
		q.Push([]byte{i})
	}
	if q.Dropped() != 2 {
		t.Fatalf("dropped = %d, want 2", q.Dropped())
	}
	frames := q.Drain()
	if len(frames) != 3 || frames[0][0] != 3 || frames[2][0] != 5 {
		t.Fatalf("queue should keep the newest frames in order: %v", frames)
	}
	if q.Len() != 0 {
		t.Fatalf("drain should empty the queue")
	}
}

func TestModelAudioIsSequencedAndScheduled(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	s := waitSession(t, p)

	pcm := make([]byte, 4800) // 100 ms at 24 kHz
	s.EmitAudio(pcm, 24000)
	s.EmitAudio(pcm, 24000)

	first := waitFor(t, b, func(m protocol.ModelAudioChunk) bool { return m.Seq == 1 })
	second := waitFor(t, b, func(m protocol.ModelAudioChunk) bool { return m.Seq == 2 })

	if second.StartMs < first.StartMs+first.DurationMs {
		t.Fatalf("fragments overlap: first ends %d, second starts %d",
			first.StartMs+first.DurationMs, second.StartMs)
	}
	decoded, err := base64.StdEncoding.DecodeString(first.PCM16Base64)
	if err != nil || len(decoded) != len(pcm) {
		t.Fatalf("fragment payload mangled: %v, %d bytes", err, len(decoded))
	}
	if first.DurationMs != 100 {
		t.Fatalf("duration = %d ms, want 100", first.DurationMs)
	}
	if !b.Speaking() {
		t.Fatalf("bridge should report speaking while fragments are scheduled")
	}
}

func TestModelInterruptClearsPlayback(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	s := waitSession(t, p)

	pcm := make([]byte, 48000) // 1 s at 24 kHz
	s.EmitAudio(pcm, 24000)
	s.EmitAudio(pcm, 24000)
	waitFor(t, b, func(m protocol.ModelAudioChunk) bool { return m.Seq == 2 })

	s.EmitInterrupted()
	cleared := waitFor(t, b, func(m protocol.PlaybackCleared) bool { return true })
	if cleared.Cancelled != 2 {
		t.Fatalf("cancelled = %d, want 2", cleared.Cancelled)
	}
	if cleared.Reason != ReasonModelInterrupted {
		t.Fatalf("reason = %q", cleared.Reason)
	}
	if b.Speaking() {
		t.Fatalf("nothing should be scheduled after an interrupt")
	}
	if b.InterruptionCount() != 1 {
		t.Fatalf("interruptions = %d, want 1", b.InterruptionCount())
	}

	// The next reply starts fresh, not behind the cancelled second.
	s.EmitAudio(make([]byte, 4800), 24000)
	next := waitFor(t, b, func(m protocol.ModelAudioChunk) bool { return m.Seq == 3 })
	if next.StartMs > time.Now().UnixMilli()+100 {
		t.Fatalf("post-interrupt fragment should start now, got start %d", next.StartMs)
	}
}

func TestUserInterruptEmitsCleared(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	s := waitSession(t, p)

	s.EmitAudio(make([]byte, 48000), 24000)
	waitFor(t, b, func(m protocol.ModelAudioChunk) bool { return m.Seq == 1 })

	b.Interrupt()
	cleared := waitFor(t, b, func(m protocol.PlaybackCleared) bool { return true })
	if cleared.Cancelled != 1 || cleared.Reason != ReasonUserInterrupt {
		t.Fatalf("unexpected cleared message: %+v", cleared)
	}
}

func TestConnectFailureSurfacesErrorWithoutAutoRetry(t *testing.T) {
	p := upstream.NewMockProvider()
	p.FailNextConnect(errors.New("dial tcp: connection refused"))
	b := newTestBridge(t, p)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	errEvt := waitFor(t, b, func(m protocol.ErrorEvent) bool { return true })
	if !errEvt.Retryable {
		t.Fatalf("connection refusal should be retryable")
	}
	if errEvt.Detail == "" || errEvt.Detail == "dial tcp: connection refused" {
		t.Fatalf("detail should be a user-facing sentence, got %q", errEvt.Detail)
	}
	waitStatus(t, b, StatusError)

	// No background reconnect: one dial attempt, then nothing.
	time.Sleep(100 * time.Millisecond)
	if got := p.SessionCount(); got != 0 {
		t.Fatalf("sessions opened = %d, want 0", got)
	}
}

func TestRetryReconnectsFromErrorState(t *testing.T) {
	p := upstream.NewMockProvider()
	p.FailNextConnect(errors.New("connection refused"))
	b := newTestBridge(t, p)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusError)

	if err := b.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	if got := p.SessionCount(); got != 1 {
		t.Fatalf("sessions = %d, want 1", got)
	}

	// Retry is only legal from the error state.
	if err := b.Retry(); !errors.Is(err, ErrNotRetryable) {
		t.Fatalf("retry while connected = %v, want ErrNotRetryable", err)
	}
}

func TestMidCallUpstreamErrorStopsAudio(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	s := waitSession(t, p)

	s.EmitError("quota", "resource exhausted: quota exceeded", true)
	errEvt := waitFor(t, b, func(m protocol.ErrorEvent) bool { return true })
	if errEvt.Code != "upstream_quota" {
		t.Fatalf("code = %q, want upstream_quota", errEvt.Code)
	}
	waitStatus(t, b, StatusError)

	// Mic audio after the failure is dropped, not queued.
	if err := b.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("send after error should be a silent drop, got %v", err)
	}
}

func TestCloseIsIdempotentFromAnyState(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	s := waitSession(t, p)

	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !s.Closed() {
		t.Fatalf("upstream session should be closed")
	}
	if err := b.SendAudio([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v, want ErrClosed", err)
	}
	if err := b.Start(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("start after close = %v, want ErrClosed", err)
	}

	// Close with no Start must also be safe.
	idle := New(Config{CallID: "idle", Provider: p})
	if err := idle.Close(); err != nil {
		t.Fatalf("close of idle bridge: %v", err)
	}
}

func TestUserInterruptWithNothingPlayingIsNoOp(t *testing.T) {
	p := upstream.NewMockProvider()
	b := newTestBridge(t, p)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)
	s := waitSession(t, p)

	b.Interrupt()
	s.EmitAudio(make([]byte, 4800), 24000)

	// Everything up to the first audio chunk must be free of cleared
	// messages: silence was interrupted, so the client hears nothing of it.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-b.Outbound():
			if _, ok := msg.(protocol.PlaybackCleared); ok {
				t.Fatalf("interrupt with empty playback emitted playback_cleared")
			}
			if _, ok := msg.(protocol.ModelAudioChunk); ok {
				if got := b.InterruptionCount(); got != 0 {
					t.Fatalf("interruption count = %d, want 0", got)
				}
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for audio chunk")
		}
	}
}

// flakyProvider hands the test direct ownership of each session's event
// channel, so event delivery can be timed around a retry. Closing a flaky
// session does not close its channel, matching a real session whose receive
// loop winds down on its own schedule.
type flakyProvider struct {
	mu       sync.Mutex
	sessions []*flakySession
	channels []chan upstream.Event
	chClosed []bool
}

type flakySession struct {
	mu      sync.Mutex
	sendErr error
	closed  bool
}

func (s *flakySession) SendAudio(context.Context, []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

func (s *flakySession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *flakySession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *flakySession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

func (p *flakyProvider) Connect(_ context.Context, _ upstream.Config) (upstream.Session, <-chan upstream.Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &flakySession{}
	ch := make(chan upstream.Event, 8)
	p.sessions = append(p.sessions, s)
	p.channels = append(p.channels, ch)
	p.chClosed = append(p.chClosed, false)
	return s, ch, nil
}

// closeAll shuts every event channel so bridge pumps can drain and exit.
func (p *flakyProvider) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ch := range p.channels {
		if !p.chClosed[i] {
			p.chClosed[i] = true
			close(ch)
		}
	}
}

func (p *flakyProvider) session(i int) *flakySession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[i]
}

func (p *flakyProvider) channel(i int) chan upstream.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[i]
}

func TestLateEventsFromFailedSessionDoNotKillRetriedCall(t *testing.T) {
	p := &flakyProvider{}
	b := New(Config{
		CallID:       "call-1",
		Persona:      persona.Persona{Name: "Moe"},
		Provider:     p,
		PendingLimit: 4,
	})
	t.Cleanup(func() { _ = b.Close() })
	t.Cleanup(p.closeAll)

	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitStatus(t, b, StatusConnected)

	p.session(0).FailSends(errors.New("write: connection reset by peer"))
	if err := b.SendAudio(make([]byte, 320)); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitStatus(t, b, StatusError)

	if err := b.Retry(); err != nil {
		t.Fatalf("retry: %v", err)
	}
	waitStatus(t, b, StatusConnected)

	// The first session's receive loop winds down only now, reporting
	// closed while the second session owns the call.
	p.channel(0) <- upstream.Event{Type: upstream.EventClosed}
	time.Sleep(100 * time.Millisecond)

	if status, detail := b.Status(); status != StatusConnected || detail != "" {
		t.Fatalf("stale closed event changed status to %s (%q), want connected", status, detail)
	}
	if p.session(1).Closed() {
		t.Fatalf("stale closed event tore down the fresh session")
	}

	// The retried call still relays audio.
	p.channel(1) <- upstream.Event{Type: upstream.EventAudio, PCM: make([]byte, 4800), SampleRate: 24000}
	waitFor(t, b, func(m protocol.ModelAudioChunk) bool { return true })
}
