// Package trigger registers one-shot timers keyed by job ID. The delivery
// scheduler treats registration as idempotent: a job that already exists is
// never re-registered, so repeated reconciliation passes cannot duplicate
// deliveries.
package trigger

import (
	"sync"
	"time"
)

// FireFunc is invoked when a registered job comes due. It runs on the
// timer's goroutine; implementations hand off anything slow.
type FireFunc func(jobID string)

type Registry interface {
	// RegisterOneShot schedules fire at the given instant. A jobID that is
	// already registered is left untouched.
	RegisterOneShot(jobID string, at time.Time) error
	CancelJob(jobID string)
	JobExists(jobID string) bool
}

// MemoryRegistry keeps jobs as in-process timers. State does not survive a
// restart; the reconciliation pass re-registers everything still due.
type MemoryRegistry struct {
	Fire FireFunc
	Now  func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func NewMemoryRegistry(fire FireFunc) *MemoryRegistry {
	return &MemoryRegistry{
		Fire:   fire,
		timers: make(map[string]*time.Timer),
	}
}

func (m *MemoryRegistry) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemoryRegistry) RegisterOneShot(jobID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.timers[jobID]; ok {
		return nil
	}
	delay := at.Sub(m.now())
	if delay < 0 {
		// Past-due jobs fire immediately; expiry filtering happened
		// upstream.
		delay = 0
	}
	m.timers[jobID] = time.AfterFunc(delay, func() {
		m.mu.Lock()
		delete(m.timers, jobID)
		m.mu.Unlock()
		if m.Fire != nil {
			m.Fire(jobID)
		}
	})
	return nil
}

func (m *MemoryRegistry) CancelJob(jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[jobID]; ok {
		t.Stop()
		delete(m.timers, jobID)
	}
}

func (m *MemoryRegistry) JobExists(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.timers[jobID]
	return ok
}

// Len reports the number of pending jobs.
func (m *MemoryRegistry) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Stop cancels every pending job.
func (m *MemoryRegistry) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}
