// Package mutex implements the re-entrant, priority-aware,
// deadlock-detecting mutex primitive that gates the relying-party client's
// state ledger and token set. The discovery and JWKS caches are guarded by
// pkg/ttlcache's own sync.Mutex instead.
package mutex

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

// DeadlockStrategy selects how a detected cycle is resolved.
type DeadlockStrategy int

const (
	// ForceRelease schedules a forced release of the mutex after
	// GracePeriod, rejecting every queued waiter with FORCE_RELEASE. The
	// acquire call that detected the cycle still fails immediately with
	// DEADLOCK.
	ForceRelease DeadlockStrategy = iota
	// PriorityElevation raises the priority of waiters already queued on
	// the mutex (a hook for a future resolution pass) and fails the
	// current call with DEADLOCK.
	PriorityElevation
	// Custom invokes a user-supplied callback and fails with DEADLOCK.
	Custom
)

// EventType enumerates the optional lifecycle events a Mutex can emit.
type EventType string

const (
	EventAcquireAttempt     EventType = "acquireAttempt"
	EventAcquired           EventType = "acquired"
	EventReleaseAttempt     EventType = "releaseAttempt"
	EventReleased           EventType = "released"
	EventReentrantAcquired  EventType = "reentrantAcquired"
	EventReentrantReleased  EventType = "reentrantReleased"
	EventTimeout            EventType = "timeout"
	EventForceReleased      EventType = "forceReleased"
	EventError              EventType = "error"
)

// Event is delivered to an optional observer registered via Options.OnEvent.
type Event struct {
	Type  EventType
	Owner string
	Mutex string
	Err   error
}

// NoTimeout tells Acquire to block indefinitely (subject to ctx
// cancellation) rather than fail after a duration.
const NoTimeout time.Duration = -1

// Options configures a Mutex at construction time.
type Options struct {
	// Name identifies this mutex in the Registry's waiter graph. If empty,
	// a unique name is generated.
	Name string
	Policy   Policy
	Weighted WeightedOptions
	// Reentrant allows the same owner to re-acquire a write lock it
	// already holds without blocking.
	Reentrant bool
	// Registry is the waiter graph used for deadlock detection. Defaults
	// to the process-wide DefaultRegistry().
	Registry *Registry

	DeadlockStrategy      DeadlockStrategy
	GracePeriod           time.Duration
	CustomDeadlockHandler func(owner, mutexName string)

	OnEvent func(Event)
}

// AcquireOptions parameterizes a single Acquire call.
type AcquireOptions struct {
	Owner    string
	Priority float64
	Weight   float64
	Type     LockType
	// Timeout bounds how long to wait once queued. NoTimeout (the zero
	// value's complement) waits indefinitely; 0 fails immediately
	// (ACQUIRE_TIMEOUT) if the mutex isn't free right now.
	Timeout time.Duration
}

// ReleaseFunc releases a hold acquired via Acquire/TryAcquire/ReadLock/WriteLock.
type ReleaseFunc func()

var anonymousSeq uint64
var anonymousMu sync.Mutex

func anonymousOwner() string {
	anonymousMu.Lock()
	anonymousSeq++
	n := anonymousSeq
	anonymousMu.Unlock()
	return fmt.Sprintf("anon-%d-%d", n, rand.Int63())
}

// Mutex is a single lockable resource, tracked by name in a Registry so
// that cross-mutex deadlocks can be detected.
type Mutex struct {
	name string
	opts Options

	mu sync.Mutex

	held           bool
	exclusiveOwner string
	reentrantCount map[string]int
	sharedOwners   map[string]int

	queue    *waitQueue
	registry *Registry

	forceReleaseTimer *time.Timer
}

var mutexSeq uint64
var mutexSeqMu sync.Mutex

func nextAnonymousName() string {
	mutexSeqMu.Lock()
	mutexSeq++
	n := mutexSeq
	mutexSeqMu.Unlock()
	return fmt.Sprintf("mutex-%d", n)
}

// New constructs a Mutex. With no options it is a plain, FIFO-scheduled,
// non-reentrant exclusive lock registered against the process-wide
// DefaultRegistry().
func New(opts Options) *Mutex {
	if opts.Name == "" {
		opts.Name = nextAnonymousName()
	}
	if opts.Registry == nil {
		opts.Registry = DefaultRegistry()
	}
	if opts.Policy == Weighted && opts.Weighted == (WeightedOptions{}) {
		opts.Weighted = DefaultWeightedOptions()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	return &Mutex{
		name:           opts.Name,
		opts:           opts,
		reentrantCount: make(map[string]int),
		sharedOwners:   make(map[string]int),
		queue:          newWaitQueue(opts.Policy, opts.Weighted),
		registry:       opts.Registry,
	}
}

func (m *Mutex) emit(ev Event) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(ev)
	}
}

// freeLocked reports whether the mutex can immediately grant typ to owner.
// Must be called with m.mu held.
func (m *Mutex) freeLocked(typ LockType) bool {
	if typ == Write {
		return !m.held && len(m.sharedOwners) == 0
	}
	return !m.held
}

// Acquire blocks until the mutex is granted to owner, ctx is cancelled, or
// opts.Timeout elapses, whichever happens first.
func (m *Mutex) Acquire(ctx context.Context, opts AcquireOptions) (ReleaseFunc, error) {
	owner := opts.Owner
	if owner == "" {
		owner = anonymousOwner()
	}
	m.emit(Event{Type: EventAcquireAttempt, Owner: owner, Mutex: m.name})

	m.mu.Lock()

	if opts.Type == Write && m.opts.Reentrant && m.held && m.exclusiveOwner == owner {
		m.reentrantCount[owner]++
		m.mu.Unlock()
		m.emit(Event{Type: EventReentrantAcquired, Owner: owner, Mutex: m.name})
		return m.releaseFuncFor(owner, opts.Type, true), nil
	}

	if m.freeLocked(opts.Type) {
		m.grantLocked(owner, opts.Type)
		m.mu.Unlock()
		m.emit(Event{Type: EventAcquired, Owner: owner, Mutex: m.name})
		return m.releaseFuncFor(owner, opts.Type, false), nil
	}

	if opts.Timeout == 0 {
		m.mu.Unlock()
		err := oidcerr.New(oidcerr.CodeAcquireTimeout, "mutex "+m.name+" is locked")
		m.emit(Event{Type: EventTimeout, Owner: owner, Mutex: m.name, Err: err})
		return nil, err
	}

	m.registry.AddWaiter(m.name, owner)
	if m.registry.WouldDeadlock(owner, m.name) {
		m.registry.RemoveWaiter(m.name, owner)
		err := m.handleDeadlockLocked(owner)
		m.mu.Unlock()
		m.emit(Event{Type: EventError, Owner: owner, Mutex: m.name, Err: err})
		return nil, err
	}

	w := &waiter{
		owner:      owner,
		priority:   opts.Priority,
		typ:        opts.Type,
		weight:     opts.Weight,
		enqueuedAt: time.Now(),
		ready:      make(chan error, 1),
	}
	m.queue.push(w)
	m.mu.Unlock()

	var timeoutCh <-chan time.Time
	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case err := <-w.ready:
		if err != nil {
			m.emit(Event{Type: EventError, Owner: owner, Mutex: m.name, Err: err})
			return nil, err
		}
		m.emit(Event{Type: EventAcquired, Owner: owner, Mutex: m.name})
		return m.releaseFuncFor(owner, opts.Type, false), nil

	case <-timeoutCh:
		m.mu.Lock()
		removed := m.queue.remove(w)
		m.registry.RemoveWaiter(m.name, owner)
		m.mu.Unlock()
		if removed {
			err := oidcerr.New(oidcerr.CodeAcquireTimeout, "timed out waiting for mutex "+m.name)
			m.emit(Event{Type: EventTimeout, Owner: owner, Mutex: m.name, Err: err})
			return nil, err
		}
		// Already granted concurrently with the timeout firing: honor the
		// grant but release it immediately so we don't leak a hold.
		if grantErr := <-w.ready; grantErr == nil {
			m.releaseFuncFor(owner, opts.Type, false)()
		}
		err := oidcerr.New(oidcerr.CodeAcquireTimeout, "timed out waiting for mutex "+m.name)
		return nil, err

	case <-ctx.Done():
		m.mu.Lock()
		removed := m.queue.remove(w)
		m.registry.RemoveWaiter(m.name, owner)
		m.mu.Unlock()
		if removed {
			err := oidcerr.New(oidcerr.CodeAborted, "acquire of mutex "+m.name+" cancelled")
			return nil, err
		}
		if grantErr := <-w.ready; grantErr == nil {
			m.releaseFuncFor(owner, opts.Type, false)()
		}
		return nil, oidcerr.New(oidcerr.CodeAborted, "acquire of mutex "+m.name+" cancelled")
	}
}

// TryAcquire attempts a non-blocking acquire: it never parks a waiter.
func (m *Mutex) TryAcquire(owner string) (ReleaseFunc, error) {
	if owner == "" {
		owner = anonymousOwner()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.Reentrant && m.held && m.exclusiveOwner == owner {
		m.reentrantCount[owner]++
		return m.releaseFuncFor(owner, Write, true), nil
	}
	if !m.freeLocked(Write) {
		return nil, nil
	}
	m.grantLocked(owner, Write)
	return m.releaseFuncFor(owner, Write, false), nil
}

// ReadLock acquires a shared (reader) hold.
func (m *Mutex) ReadLock(ctx context.Context, owner string, opts AcquireOptions) (ReleaseFunc, error) {
	opts.Owner = owner
	opts.Type = Read
	return m.Acquire(ctx, opts)
}

// WriteLock acquires an exclusive (writer) hold.
func (m *Mutex) WriteLock(ctx context.Context, owner string, opts AcquireOptions) (ReleaseFunc, error) {
	opts.Owner = owner
	opts.Type = Write
	return m.Acquire(ctx, opts)
}

// RunExclusive acquires a write lock, runs fn, and releases the lock
// regardless of whether fn panics or returns an error. Errors returned by
// fn are wrapped with EXECUTION_FAILED so callers can distinguish a lock
// failure from a function failure.
func RunExclusive[T any](ctx context.Context, m *Mutex, owner string, fn func() (T, error)) (T, error) {
	var zero T
	release, err := m.WriteLock(ctx, owner, AcquireOptions{Timeout: NoTimeout})
	if err != nil {
		return zero, err
	}
	defer release()

	v, err := fn()
	if err != nil {
		return zero, oidcerr.Wrap(oidcerr.CodeExecutionFailed, "runExclusive function failed", err)
	}
	return v, nil
}

// grantLocked marks the mutex as held by owner. Must be called with m.mu held.
func (m *Mutex) grantLocked(owner string, typ LockType) {
	if typ == Write {
		m.held = true
		m.exclusiveOwner = owner
	} else {
		m.sharedOwners[owner]++
	}
	m.registry.AddHold(m.name, owner)
}

func (m *Mutex) releaseFuncFor(owner string, typ LockType, reentrant bool) ReleaseFunc {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(owner, typ, reentrant)
		})
	}
}

func (m *Mutex) release(owner string, typ LockType, reentrant bool) {
	m.emit(Event{Type: EventReleaseAttempt, Owner: owner, Mutex: m.name})

	m.mu.Lock()
	if m.opts.Reentrant && typ == Write && m.held && m.exclusiveOwner == owner && m.reentrantCount[owner] > 0 {
		m.reentrantCount[owner]--
		if m.reentrantCount[owner] == 0 {
			delete(m.reentrantCount, owner)
		}
		m.mu.Unlock()
		m.emit(Event{Type: EventReentrantReleased, Owner: owner, Mutex: m.name})
		return
	}

	switch typ {
	case Write:
		m.held = false
		m.exclusiveOwner = ""
	case Read:
		m.sharedOwners[owner]--
		if m.sharedOwners[owner] <= 0 {
			delete(m.sharedOwners, owner)
		}
	}
	m.registry.RemoveHold(m.name, owner)

	m.serveNextLocked()
	m.mu.Unlock()
	m.emit(Event{Type: EventReleased, Owner: owner, Mutex: m.name})
}

// serveNextLocked wakes as many queued waiters as can now be granted. Must
// be called with m.mu held.
func (m *Mutex) serveNextLocked() {
	for {
		if m.held {
			return
		}
		if len(m.sharedOwners) > 0 {
			// Only additional readers may be granted while readers hold.
			w := m.peekFrontIfReadLocked()
			if w == nil {
				return
			}
		}
		w := m.queue.pop()
		if w == nil {
			return
		}
		m.registry.RemoveWaiter(m.name, w.owner)
		m.grantLocked(w.owner, w.typ)
		w.ready <- nil

		if w.typ == Write {
			return
		}
		// Keep batching consecutive reader waiters.
	}
}

// peekFrontIfReadLocked checks (without mutating the queue) whether the
// next waiter is a reader, so writers already queued are never skipped by
// a batch of readers granted while other readers hold the lock.
func (m *Mutex) peekFrontIfReadLocked() *waiter {
	snap := m.queue.snapshot()
	if len(snap) == 0 {
		return nil
	}
	// Only the discipline of "don't grant reads out of order past a
	// queued writer" matters here; the actual pop() still respects policy
	// ordering.
	for _, w := range snap {
		if w.typ == Write {
			return nil
		}
	}
	return snap[0]
}

func (m *Mutex) handleDeadlockLocked(owner string) error {
	switch m.opts.DeadlockStrategy {
	case ForceRelease:
		m.scheduleForceReleaseLocked()
	case PriorityElevation:
		for _, w := range m.queue.snapshot() {
			w.priority += 1
		}
	case Custom:
		if m.opts.CustomDeadlockHandler != nil {
			handler := m.opts.CustomDeadlockHandler
			mutexName := m.name
			go handler(owner, mutexName)
		}
	}
	return oidcerr.New(oidcerr.CodeDeadlock, "acquiring mutex "+m.name+" for owner "+owner+" would deadlock")
}

// scheduleForceReleaseLocked arms a timer that forcibly clears the mutex's
// held state after GracePeriod, rejecting every waiter currently queued
// with FORCE_RELEASE. Must be called with m.mu held.
func (m *Mutex) scheduleForceReleaseLocked() {
	if m.forceReleaseTimer != nil {
		return
	}
	m.forceReleaseTimer = time.AfterFunc(m.opts.GracePeriod, m.forceRelease)
}

func (m *Mutex) forceRelease() {
	m.mu.Lock()
	m.forceReleaseTimer = nil

	if m.held {
		m.registry.RemoveHold(m.name, m.exclusiveOwner)
	}
	for owner := range m.sharedOwners {
		m.registry.RemoveHold(m.name, owner)
	}
	m.held = false
	m.exclusiveOwner = ""
	m.sharedOwners = make(map[string]int)
	m.reentrantCount = make(map[string]int)

	waiters := m.queue.snapshot()
	m.queue.clear()
	for _, w := range waiters {
		m.registry.RemoveWaiter(m.name, w.owner)
		w.ready <- oidcerr.New(oidcerr.CodeForceRelease, "mutex "+m.name+" force-released after deadlock grace period")
	}
	m.mu.Unlock()

	m.emit(Event{Type: EventForceReleased, Mutex: m.name})
	m.emit(Event{Type: EventReleased, Mutex: m.name})
}
