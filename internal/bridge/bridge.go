// Package bridge ties one browser call to one upstream realtime session:
// mic audio flows up, model audio comes back on the playback timeline,
// and a barge-in flushes everything the client has buffered.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shinnpuru/moecall/internal/audio"
	"github.com/shinnpuru/moecall/internal/observability"
	"github.com/shinnpuru/moecall/internal/persona"
	"github.com/shinnpuru/moecall/internal/playback"
	"github.com/shinnpuru/moecall/internal/protocol"
	"github.com/shinnpuru/moecall/internal/reliability"
	"github.com/shinnpuru/moecall/internal/upstream"
)

// Status is the connection state the call UI renders.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Reasons attached to playback_cleared messages.
const (
	ReasonModelInterrupted = "model_interrupted"
	ReasonUserInterrupt    = "user_interrupt"
)

// Config wires one bridge instance.
type Config struct {
	CallID   string
	Persona  persona.Persona
	Provider upstream.Provider

	Model string
	Voice string

	InputSampleRate  int
	OutputSampleRate int

	// PendingLimit bounds the mic frames buffered while the upstream
	// session is still opening.
	PendingLimit int

	Clock   playback.Clock
	Logger  *log.Logger
	Metrics *observability.Metrics
}

// Bridge relays one call. All exported methods are safe for concurrent
// use; outbound protocol messages are delivered on a single channel.
type Bridge struct {
	cfg       Config
	log       *log.Logger
	metrics   *observability.Metrics
	scheduler *playback.Scheduler

	out  chan any
	stop chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        Status
	statusDetail  string
	pending       *pendingQueue
	session       upstream.Session
	gen           int
	seqOut        int
	interruptions int
	firstMicAt    time.Time
	firstAudioAt  time.Time
	lastSpeaking  bool
	closed        bool

	wg sync.WaitGroup
}

var (
	ErrClosed       = errors.New("bridge is closed")
	ErrNotRetryable = errors.New("bridge is not in an error state")
)

// New builds a bridge. Call Start to open the upstream session.
func New(cfg Config) *Bridge {
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.CaptureSampleRate
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.PlaybackSampleRate
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	schedOpts := []playback.Option{}
	if cfg.Clock != nil {
		schedOpts = append(schedOpts, playback.WithClock(cfg.Clock))
	}
	return &Bridge{
		cfg:       cfg,
		log:       logger,
		metrics:   cfg.Metrics,
		scheduler: playback.NewScheduler(cfg.OutputSampleRate, schedOpts...),
		out:       make(chan any, 256),
		stop:      make(chan struct{}),
		status:    StatusDisconnected,
		pending:   newPendingQueue(cfg.PendingLimit),
	}
}

// Outbound delivers protocol messages for the client, in order.
func (b *Bridge) Outbound() <-chan any { return b.out }

// Done is closed once Close has run.
func (b *Bridge) Done() <-chan struct{} { return b.stop }

// Start opens the upstream session asynchronously. Status moves to
// connecting immediately and to connected or error once the dial settles.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.status == StatusConnecting || b.status == StatusConnected {
		b.mu.Unlock()
		return fmt.Errorf("call %s: session already %s", b.cfg.CallID, b.status)
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.status = StatusConnecting
	b.statusDetail = ""
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	b.emitStatus()
	b.wg.Add(2)
	go b.connect(gen)
	go b.watchSpeaking()
	return nil
}

// Retry re-dials after a failure. It is the only reconnect path: the
// bridge never retries on its own.
func (b *Bridge) Retry() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.status != StatusError {
		b.mu.Unlock()
		return ErrNotRetryable
	}
	b.status = StatusConnecting
	b.statusDetail = ""
	b.pending.Clear()
	b.firstMicAt = time.Time{}
	b.firstAudioAt = time.Time{}
	// Bump the generation so anything still draining from the failed
	// session's pump cannot touch the fresh one.
	b.gen++
	gen := b.gen
	b.mu.Unlock()

	b.emitStatus()
	b.wg.Add(1)
	go b.connect(gen)
	return nil
}

func (b *Bridge) connect(gen int) {
	defer b.wg.Done()

	cfg := upstream.Config{
		Model:             b.cfg.Model,
		Voice:             b.cfg.Voice,
		SystemInstruction: b.cfg.Persona.SystemInstruction(),
		InputSampleRate:   b.cfg.InputSampleRate,
		OutputSampleRate:  b.cfg.OutputSampleRate,
	}
	started := time.Now()
	sess, events, err := b.cfg.Provider.Connect(b.ctx, cfg)
	if err != nil {
		b.fail(gen, err, "connect")
		return
	}

	b.mu.Lock()
	if b.closed || gen != b.gen {
		b.mu.Unlock()
		_ = sess.Close()
		return
	}
	b.session = sess
	b.status = StatusConnected
	b.statusDetail = ""
	buffered := b.pending.Drain()
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ObserveStage(observability.StageConnectToOpen, time.Since(started))
		b.metrics.CallEvents.WithLabelValues("connected").Inc()
	}
	b.log.Printf("call %s: upstream session open, flushing %d buffered frames", b.cfg.CallID, len(buffered))
	b.emitStatus()

	// Frames captured before the session opened go up first, in order.
	for _, frame := range buffered {
		if err := sess.SendAudio(b.ctx, frame); err != nil {
			b.fail(gen, err, "send")
			return
		}
	}

	b.wg.Add(1)
	go b.pump(gen, events)
}

// SendAudio forwards one captured mic frame. Before the session opens the
// frame waits in the bounded queue; after a failure it is dropped until
// the user retries.
func (b *Bridge) SendAudio(pcm []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.firstMicAt.IsZero() {
		b.firstMicAt = time.Now()
	}
	switch b.status {
	case StatusConnecting:
		frame := make([]byte, len(pcm))
		copy(frame, pcm)
		if b.pending.Push(frame) {
			b.log.Printf("call %s: pending queue full, dropped oldest frame", b.cfg.CallID)
		}
		b.mu.Unlock()
		return nil
	case StatusConnected:
		sess := b.session
		ctx := b.ctx
		gen := b.gen
		b.mu.Unlock()
		if err := sess.SendAudio(ctx, pcm); err != nil {
			b.fail(gen, err, "send")
		}
		return nil
	default:
		b.mu.Unlock()
		return nil
	}
}

// Interrupt is the user-initiated barge-in: every scheduled fragment is
// discarded in one step and the playback clock rewinds so the next reply
// starts immediately.
func (b *Bridge) Interrupt() {
	cancelled := b.scheduler.Interrupt()
	// Barge-in with nothing scheduled is a no-op; the client gets no
	// cleared-event for silence.
	if cancelled == 0 {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.interruptions++
	b.lastSpeaking = false
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Interruptions.Inc()
		b.metrics.ObserveStageIndicator(observability.IndicatorPlaybackCleared)
	}
	b.emit(protocol.PlaybackCleared{
		Type:      protocol.TypePlaybackCleared,
		CallID:    b.cfg.CallID,
		Cancelled: cancelled,
		Reason:    ReasonUserInterrupt,
	})
	b.emitStatus()
}

func (b *Bridge) pump(gen int, events <-chan upstream.Event) {
	defer b.wg.Done()

	for evt := range events {
		// A torn-down session keeps emitting until its channel closes;
		// once a newer generation owns the call those events are noise.
		if b.stale(gen) {
			continue
		}
		switch evt.Type {
		case upstream.EventAudio:
			b.handleAudio(evt)
		case upstream.EventInterrupted:
			b.handleInterrupted()
		case upstream.EventTurnComplete:
			b.emitStatus()
		case upstream.EventError:
			detail := evt.Detail
			if detail == "" {
				detail = evt.Code
			}
			b.fail(gen, errors.New(detail), "upstream")
		case upstream.EventClosed:
			b.fail(gen, errors.New("upstream session closed"), "upstream")
		}
	}
}

func (b *Bridge) stale(gen int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed || gen != b.gen
}

func (b *Bridge) handleAudio(evt upstream.Event) {
	received := time.Now()
	f := b.scheduler.Schedule(evt.PCM)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.seqOut++
	seq := b.seqOut
	firstAudio := b.firstAudioAt.IsZero()
	if firstAudio {
		b.firstAudioAt = received
	}
	micAt := b.firstMicAt
	speakingTransition := !b.lastSpeaking
	b.lastSpeaking = true
	b.mu.Unlock()

	if b.metrics != nil {
		if firstAudio && !micAt.IsZero() {
			b.metrics.ObserveFirstAudioLatency(received.Sub(micAt))
			b.metrics.ObserveStage(observability.StageMicToFirstAudio, received.Sub(micAt))
		}
		b.metrics.ObserveFragmentDuration(f.Duration())
		b.metrics.ObserveStage(observability.StageAudioToScheduled, time.Since(received))
	}

	b.emit(protocol.ModelAudioChunk{
		Type:        protocol.TypeModelAudioChunk,
		CallID:      b.cfg.CallID,
		FragmentID:  f.ID,
		Seq:         seq,
		PCM16Base64: base64.StdEncoding.EncodeToString(f.PCM),
		SampleRate:  f.SampleRate,
		StartMs:     f.StartAt.UnixMilli(),
		DurationMs:  f.Duration().Milliseconds(),
		Amplitude:   f.Amplitude,
	})
	if speakingTransition {
		b.emitStatus()
	}
}

func (b *Bridge) handleInterrupted() {
	started := time.Now()
	cancelled := b.scheduler.Interrupt()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.interruptions++
	b.lastSpeaking = false
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.Interruptions.Inc()
		b.metrics.ObserveStageIndicator(observability.IndicatorPlaybackCleared)
		b.metrics.ObserveStage(observability.StageInterruptToCleared, time.Since(started))
	}
	b.emit(protocol.PlaybackCleared{
		Type:      protocol.TypePlaybackCleared,
		CallID:    b.cfg.CallID,
		Cancelled: cancelled,
		Reason:    ReasonModelInterrupted,
	})
	b.emitStatus()
}

func (b *Bridge) fail(gen int, err error, source string) {
	failure := reliability.Classify(err)

	b.mu.Lock()
	if b.closed || gen != b.gen || b.status == StatusError {
		b.mu.Unlock()
		return
	}
	b.status = StatusError
	b.statusDetail = failure.Message
	b.pending.Clear()
	b.lastSpeaking = false
	sess := b.session
	b.session = nil
	b.mu.Unlock()

	b.scheduler.Interrupt()
	if sess != nil {
		_ = sess.Close()
	}
	if b.metrics != nil {
		b.metrics.UpstreamErrors.WithLabelValues(failure.Code).Inc()
		b.metrics.CallEvents.WithLabelValues("errored").Inc()
	}
	b.log.Printf("call %s: %s failed: %s (%s)", b.cfg.CallID, source, failure.Message, failure.Code)

	b.emit(protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		CallID:    b.cfg.CallID,
		Code:      failure.Code,
		Source:    source,
		Retryable: failure.Retryable,
		Detail:    failure.Message,
	})
	b.emitStatus()
}

// watchSpeaking sweeps finished fragments and reports when the avatar
// stops talking naturally, without an interrupt.
func (b *Bridge) watchSpeaking() {
	defer b.wg.Done()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.scheduler.Sweep()
			speaking := b.scheduler.Speaking()

			b.mu.Lock()
			changed := speaking != b.lastSpeaking && b.status == StatusConnected
			b.lastSpeaking = speaking
			b.mu.Unlock()

			if changed {
				b.emitStatus()
			}
		case <-b.stop:
			return
		}
	}
}

// Close tears the call down. Safe to call any number of times, from any
// state, including while a dial is still in flight.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.status = StatusDisconnected
	b.statusDetail = ""
	sess := b.session
	b.session = nil
	cancel := b.cancel
	b.mu.Unlock()

	close(b.stop)
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		_ = sess.Close()
	}
	b.wg.Wait()
	b.scheduler.Close()
	return nil
}

// Status returns the connection state and the user-facing detail string,
// which is non-empty only in the error state.
func (b *Bridge) Status() (Status, string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.statusDetail
}

// Speaking reports whether model audio is scheduled or playing.
func (b *Bridge) Speaking() bool { return b.scheduler.Speaking() }

// InterruptionCount reports how many barge-ins cleared playback.
func (b *Bridge) InterruptionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interruptions
}

// PendingDropped reports mic frames evicted from the pre-open queue.
func (b *Bridge) PendingDropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Dropped()
}

func (b *Bridge) emitStatus() {
	b.mu.Lock()
	msg := protocol.StatusEvent{
		Type:     protocol.TypeStatusEvent,
		CallID:   b.cfg.CallID,
		Status:   string(b.status),
		Speaking: b.lastSpeaking,
		Detail:   b.statusDetail,
	}
	b.mu.Unlock()
	b.emit(msg)
}

func (b *Bridge) emit(msg any) {
	select {
	case b.out <- msg:
	case <-b.stop:
	}
}
