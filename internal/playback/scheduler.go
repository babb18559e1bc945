// Package playback keeps the per-call playback timeline: model audio
// fragments are scheduled back to back on a monotonic clock, and a
// barge-in clears everything still pending and resets the clock.
package playback

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinnpuru/moecall/internal/audio"
)

// Clock abstracts time so tests can drive the timeline deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Fragment is one scheduled piece of model speech.
type Fragment struct {
	ID         string
	PCM        []byte
	SampleRate int
	Amplitude  float64
	StartAt    time.Time
	EndAt      time.Time
}

// Duration returns the fragment's playback length.
func (f Fragment) Duration() time.Duration { return f.EndAt.Sub(f.StartAt) }

// Scheduler owns one call's playback timeline.
//
// Scheduling is strictly sequential: a new fragment starts at the later of
// now and the end of the last scheduled fragment, so fragments never
// overlap and never reorder. Interrupt empties the whole active set in one
// step and rewinds the timeline, so the next fragment starts immediately.
type Scheduler struct {
	clock      Clock
	sampleRate int

	mu           sync.Mutex
	active       map[string]Fragment
	order        []string
	scheduledEnd time.Time
	closed       bool

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock substitutes the time source. Tests use a fake clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithSweepInterval starts a janitor goroutine that drops fragments whose
// playback window has passed. Without it the caller sweeps explicitly.
func WithSweepInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		s.janitorStop = make(chan struct{})
		s.janitorDone = make(chan struct{})
		go s.janitor(interval)
	}
}

// NewScheduler builds a scheduler for fragments at sampleRate Hz.
func NewScheduler(sampleRate int, opts ...Option) *Scheduler {
	if sampleRate <= 0 {
		sampleRate = audio.PlaybackSampleRate
	}
	s := &Scheduler{
		clock:      realClock{},
		sampleRate: sampleRate,
		active:     make(map[string]Fragment),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule appends pcm to the timeline and returns the placed fragment.
// The fragment starts when the previous one ends, or immediately if the
// timeline has drained or been cleared.
func (s *Scheduler) Schedule(pcm []byte) Fragment {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	startAt := now
	if s.scheduledEnd.After(now) {
		startAt = s.scheduledEnd
	}
	f := Fragment{
		ID:         uuid.NewString(),
		PCM:        pcm,
		SampleRate: s.sampleRate,
		Amplitude:  audio.RMSAmplitude(pcm),
		StartAt:    startAt,
		EndAt:      startAt.Add(audio.Duration(pcm, s.sampleRate)),
	}
	s.active[f.ID] = f
	s.order = append(s.order, f.ID)
	s.scheduledEnd = f.EndAt
	return f
}

// Interrupt discards every fragment still in the active set, in one step,
// and rewinds the timeline so the next Schedule starts at once. It returns
// how many fragments were cancelled.
func (s *Scheduler) Interrupt() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := len(s.active)
	s.active = make(map[string]Fragment)
	s.order = nil
	s.scheduledEnd = time.Time{}
	return cancelled
}

// Sweep removes fragments whose playback window has fully passed and
// returns how many completed naturally.
func (s *Scheduler) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	kept := s.order[:0]
	for _, id := range s.order {
		f, ok := s.active[id]
		if !ok {
			continue
		}
		if !f.EndAt.After(now) {
			delete(s.active, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	s.order = kept
	return removed
}

// Speaking reports whether any fragment is scheduled or playing right now.
// This is the avatar's talking flag.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active) > 0
}

// Active returns the scheduled fragments in playback order.
func (s *Scheduler) Active() []Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Fragment, 0, len(s.order))
	for _, id := range s.order {
		if f, ok := s.active[id]; ok {
			out = append(out, f)
		}
	}
	return out
}

// ScheduledEnd returns when the last scheduled fragment finishes. The zero
// time means the timeline is empty or was just cleared.
func (s *Scheduler) ScheduledEnd() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduledEnd
}

// Close stops the janitor. Safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.janitorStop != nil {
		close(s.janitorStop)
		<-s.janitorDone
	}
}

func (s *Scheduler) janitor(interval time.Duration) {
	defer close(s.janitorDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-s.janitorStop:
			return
		}
	}
}
