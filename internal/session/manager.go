package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shinnpuru/moecall/internal/persona"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("call not found")

// Call is the registry's view of one voice call. The live relay state
// lives in the attached runtime; this record is what the HTTP API serves.
type Call struct {
	ID                string          `json:"call_id"`
	Persona           persona.Persona `json:"persona"`
	Status            Status          `json:"status"`
	InterruptionCount int             `json:"interruption_count"`
	StartedAt         time.Time       `json:"started_at"`
	LastActivityAt    time.Time       `json:"last_activity_at"`
}

// Manager tracks live calls and reaps the ones that go quiet.
type Manager struct {
	mu                sync.RWMutex
	calls             map[string]*Call
	runtimes          map[string]io.Closer
	inactivityTimeout time.Duration
	onExpire          func(*Call)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		calls:             make(map[string]*Call),
		runtimes:          make(map[string]io.Closer),
		inactivityTimeout: inactivityTimeout,
	}
}

// SetExpireHook registers a callback run after the janitor ends a call.
func (m *Manager) SetExpireHook(hook func(*Call)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(p persona.Persona) *Call {
	now := time.Now().UTC()
	c := &Call{
		ID:             uuid.NewString(),
		Persona:        p,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[c.ID] = c
	return clone(c)
}

// Attach binds the live relay to the call so ending the call tears the
// relay down too. Replaces any previous runtime.
func (m *Manager) Attach(callID string, runtime io.Closer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok || c.Status != StatusActive {
		return ErrNotFound
	}
	m.runtimes[callID] = runtime
	return nil
}

func (m *Manager) Get(callID string) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calls[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

func (m *Manager) Touch(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordInterruption bumps the call's barge-in counter.
func (m *Manager) RecordInterruption(callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[callID]
	if !ok {
		return ErrNotFound
	}
	c.InterruptionCount++
	c.LastActivityAt = time.Now().UTC()
	return nil
}

// End marks the call ended and closes its runtime, if any. Ending an
// already ended call returns the record unchanged.
func (m *Manager) End(callID string) (*Call, error) {
	m.mu.Lock()
	c, ok := m.calls[callID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if c.Status == StatusEnded {
		out := clone(c)
		m.mu.Unlock()
		return out, nil
	}
	c.Status = StatusEnded
	c.LastActivityAt = time.Now().UTC()
	runtime := m.runtimes[callID]
	delete(m.runtimes, callID)
	out := clone(c)
	m.mu.Unlock()

	if runtime != nil {
		_ = runtime.Close()
	}
	return out, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, c := range m.calls {
		if c.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Call
	var runtimes []io.Closer

	m.mu.Lock()
	for id, c := range m.calls {
		if c.Status != StatusActive {
			continue
		}
		if now.Sub(c.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		c.Status = StatusEnded
		c.LastActivityAt = now
		expired = append(expired, clone(c))
		if rt, ok := m.runtimes[id]; ok {
			runtimes = append(runtimes, rt)
			delete(m.runtimes, id)
		}
	}
	hook := m.onExpire
	m.mu.Unlock()

	for _, rt := range runtimes {
		_ = rt.Close()
	}
	if hook != nil {
		for _, c := range expired {
			hook(c)
		}
	}
}

func clone(c *Call) *Call {
	out := *c
	return &out
}
