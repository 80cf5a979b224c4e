// Package lock implements named resource locks shared between runs:
// exclusive write, shared read, first come first served.
package lock

import (
	"ciengine/internal/apperrors"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Mode is the access mode of a lock request.
type Mode string

// Lock modes
const (
	Read  Mode = "read"
	Write Mode = "write"
)

// Request is one lock a run needs.
type Request struct {
	Name string
	Mode Mode
}

// Holder is a run holding or awaiting a lock.
type Holder struct {
	RunID string    `json:"runId"`
	Mode  Mode      `json:"mode"`
	Since time.Time `json:"since"`
}

// Info describes one lock.
type Info struct {
	Name    string   `json:"name"`
	Holders []Holder `json:"holders"`
	Waiters []Holder `json:"waiters"`
}

// MetricsRecorder is an optional interface for recording lock metrics.
type MetricsRecorder interface {
	RecordLockAcquired(ctx context.Context, name, mode string, waitSeconds float64)
	RecordLockTimeout(ctx context.Context, name, mode string)
}

type waiter struct {
	runID string
	mode  Mode
	since time.Time
	ready chan struct{}
	// granted is set under the manager mutex before ready is closed. A closed
	// ready without granted means the waiter was withdrawn by ReleaseAll.
	granted bool
}

type resource struct {
	holders map[string]Holder
	queue   []*waiter
}

func (r *resource) compatible(mode Mode) bool {
	if len(r.holders) == 0 {
		return true
	}
	if mode == Write {
		return false
	}
	for _, h := range r.holders {
		if h.Mode == Write {
			return false
		}
	}
	return true
}

// promote grants queued requests from the head while they are compatible
// with the current holders. A write at the head stops readers behind it.
func (r *resource) promote(now time.Time) {
	for len(r.queue) > 0 {
		head := r.queue[0]
		if !r.compatible(head.mode) {
			return
		}
		r.queue = r.queue[1:]
		r.holders[head.runID] = Holder{RunID: head.runID, Mode: head.mode, Since: now}
		head.granted = true
		close(head.ready)
	}
}

func (r *resource) idle() bool { return len(r.holders) == 0 && len(r.queue) == 0 }

// Manager grants named locks to runs.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resource
	timeout   time.Duration
	metrics   MetricsRecorder
	logger    *slog.Logger
}

// NewManager creates a manager. Waits longer than timeout fail with
// LockTimeout; zero means waits are bounded only by the caller's context.
func NewManager(timeout time.Duration, metrics MetricsRecorder) *Manager {
	return &Manager{
		resources: make(map[string]*resource),
		timeout:   timeout,
		metrics:   metrics,
		logger:    slog.With("component", "locks"),
	}
}

func (m *Manager) resource(name string) *resource {
	r, ok := m.resources[name]
	if !ok {
		r = &resource{holders: make(map[string]Holder)}
		m.resources[name] = r
	}
	return r
}

// Acquire blocks until runID holds name in mode. A request is granted at
// once only when nobody is queued ahead of it. Re-acquiring a held lock in
// the same or a weaker mode is a no-op. A done ctx is never granted.
func (m *Manager) Acquire(ctx context.Context, name string, mode Mode, runID string) error {
	if mode != Read && mode != Write {
		return apperrors.Validation("mode", "unknown lock mode "+string(mode))
	}
	if ctx.Err() != nil {
		return apperrors.Cancelled(runID)
	}

	start := time.Now()
	m.mu.Lock()
	r := m.resource(name)
	if h, ok := r.holders[runID]; ok {
		m.mu.Unlock()
		if h.Mode == Write || mode == Read {
			return nil
		}
		return apperrors.Conflict("lock", name, "run "+runID+" already holds "+name+" for read")
	}
	if len(r.queue) == 0 && r.compatible(mode) {
		r.holders[runID] = Holder{RunID: runID, Mode: mode, Since: start}
		m.mu.Unlock()
		m.granted(ctx, name, mode, runID, 0)
		return nil
	}

	w := &waiter{runID: runID, mode: mode, since: start, ready: make(chan struct{})}
	r.queue = append(r.queue, w)
	m.mu.Unlock()
	m.logger.Debug("Waiting for lock", "lock", name, "mode", mode, "runId", runID)

	var timeout <-chan time.Time
	if m.timeout > 0 {
		timer := time.NewTimer(m.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
	case <-ctx.Done():
	case <-timeout:
	}

	m.mu.Lock()
	if w.granted {
		m.mu.Unlock()
		m.granted(ctx, name, mode, runID, time.Since(start))
		return nil
	}
	withdrawn := m.withdraw(name, w)
	m.mu.Unlock()

	if !withdrawn || errors.Is(ctx.Err(), context.Canceled) {
		return apperrors.Cancelled(runID)
	}
	waited := time.Since(start)
	m.logger.Warn("Lock wait timed out", "lock", name, "mode", mode, "runId", runID, "waited", waited)
	if m.metrics != nil {
		m.metrics.RecordLockTimeout(ctx, name, string(mode))
	}
	return apperrors.LockTimeout(name, waited)
}

// withdraw removes w from name's queue and lets the requests behind it
// proceed. It reports false when w was already removed by ReleaseAll.
func (m *Manager) withdraw(name string, w *waiter) bool {
	r, ok := m.resources[name]
	if !ok {
		return false
	}
	found := false
	for i, q := range r.queue {
		if q == w {
			r.queue = append(r.queue[:i], r.queue[i+1:]...)
			found = true
			break
		}
	}
	r.promote(time.Now())
	if r.idle() {
		delete(m.resources, name)
	}
	return found
}

func (m *Manager) granted(ctx context.Context, name string, mode Mode, runID string, waited time.Duration) {
	m.logger.Debug("Lock granted", "lock", name, "mode", mode, "runId", runID, "waited", waited)
	if m.metrics != nil {
		m.metrics.RecordLockAcquired(ctx, name, string(mode), waited.Seconds())
	}
}

// AcquireAll takes every request in name order. Duplicate names are merged,
// write winning over read. On failure the locks taken by this call are
// released before the error is returned.
func (m *Manager) AcquireAll(ctx context.Context, runID string, reqs []Request) error {
	merged := make(map[string]Mode, len(reqs))
	for _, req := range reqs {
		if prev, ok := merged[req.Name]; !ok || prev == Read {
			merged[req.Name] = req.Mode
		}
	}
	names := make([]string, 0, len(merged))
	for name := range merged {
		names = append(names, name)
	}
	sort.Strings(names)

	taken := make([]string, 0, len(names))
	for _, name := range names {
		if err := m.Acquire(ctx, name, merged[name], runID); err != nil {
			for _, t := range taken {
				m.Release(t, runID)
			}
			return err
		}
		taken = append(taken, name)
	}
	return nil
}

// Release frees name if runID holds it. It reports whether anything was
// released.
func (m *Manager) Release(name, runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[name]
	if !ok {
		return false
	}
	if _, held := r.holders[runID]; !held {
		return false
	}
	delete(r.holders, runID)
	r.promote(time.Now())
	if r.idle() {
		delete(m.resources, name)
	}
	return true
}

// ReleaseAll frees every lock runID holds and withdraws its queued
// requests. It returns the names of the locks released.
func (m *Manager) ReleaseAll(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []string
	now := time.Now()
	for name, r := range m.resources {
		if _, held := r.holders[runID]; held {
			delete(r.holders, runID)
			released = append(released, name)
		}
		kept := r.queue[:0]
		for _, w := range r.queue {
			if w.runID == runID {
				close(w.ready)
				continue
			}
			kept = append(kept, w)
		}
		r.queue = kept
		r.promote(now)
		if r.idle() {
			delete(m.resources, name)
		}
	}
	sort.Strings(released)
	if len(released) > 0 {
		m.logger.Debug("Locks released", "runId", runID, "locks", released)
	}
	return released
}

// Snapshot returns every lock in use, ordered by name, with holders ordered
// by run id and waiters in queue order.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Info, 0, len(m.resources))
	for name, r := range m.resources {
		info := Info{Name: name, Holders: make([]Holder, 0, len(r.holders)), Waiters: make([]Holder, 0, len(r.queue))}
		for _, h := range r.holders {
			info.Holders = append(info.Holders, h)
		}
		sort.Slice(info.Holders, func(i, j int) bool { return info.Holders[i].RunID < info.Holders[j].RunID })
		for _, w := range r.queue {
			info.Waiters = append(info.Waiters, Holder{RunID: w.runID, Mode: w.mode, Since: w.since})
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
