// Package statestore implements the state-to-nonce/verifier ledger the
// Authorization Orchestrator consults across the redirect round trip. It is
// the same "externally serialise with one mutex" shape signer/storage uses
// for the signing-key cache, but built on pkg/mutex so it dogfoods this
// module's own concurrency primitive rather than a bare sync.Mutex.
package statestore

import (
	"context"
	"time"

	"github.com/dexidp/oidcrp/pkg/mutex"
	"github.com/dexidp/oidcrp/pkg/oidcerr"
)

// Entry is the record kept for a single in-flight authorization attempt.
type Entry struct {
	Nonce        string
	CodeVerifier string
	CreatedAt    time.Time
}

// Store is a mapping from the OAuth `state` parameter to Entry, guarded by
// a single pkg/mutex.Mutex so every operation is totally ordered.
type Store struct {
	mu      *mutex.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// Options configures a Store at construction time.
type Options struct {
	// Now overrides the clock stamped into CreatedAt. Defaults to time.Now.
	Now func() time.Time
	// Registry threads a shared pkg/mutex.Registry through to the internal
	// mutex so its waiter graph participates in this process's
	// deadlock-detection domain. Defaults to the process-wide registry.
	Registry *mutex.Registry
}

// New constructs an empty Store.
func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		mu:      mutex.New(mutex.Options{Name: "statestore", Registry: opts.Registry}),
		entries: make(map[string]Entry),
		now:     now,
	}
}

// AddState records (nonce, codeVerifier) under state. Fails with
// STATE_ALREADY_EXISTS if state is already present.
func (s *Store) AddState(ctx context.Context, state, nonce, codeVerifier string) error {
	_, err := mutex.RunExclusive(ctx, s.mu, "statestore.AddState", func() (struct{}, error) {
		if _, exists := s.entries[state]; exists {
			return struct{}{}, oidcerr.New(oidcerr.CodeStateAlreadyExists, "state already recorded: "+state)
		}
		s.entries[state] = Entry{Nonce: nonce, CodeVerifier: codeVerifier, CreatedAt: s.now()}
		return struct{}{}, nil
	})
	return unwrapExecution(err)
}

// GetStateEntry atomically reads and removes the entry for state. Fails
// with STATE_MISMATCH if state is absent, since a state can be consumed at
// most once.
func (s *Store) GetStateEntry(ctx context.Context, state string) (Entry, error) {
	entry, err := mutex.RunExclusive(ctx, s.mu, "statestore.GetStateEntry", func() (Entry, error) {
		e, ok := s.entries[state]
		if !ok {
			return Entry{}, oidcerr.New(oidcerr.CodeStateMismatch, "no pending authorization for state: "+state)
		}
		delete(s.entries, state)
		return e, nil
	})
	return entry, unwrapExecution(err)
}

// RemoveState idempotently deletes state, for callers garbage-collecting
// abandoned attempts without ever calling GetStateEntry.
func (s *Store) RemoveState(ctx context.Context, state string) error {
	_, err := mutex.RunExclusive(ctx, s.mu, "statestore.RemoveState", func() (struct{}, error) {
		delete(s.entries, state)
		return struct{}{}, nil
	})
	return unwrapExecution(err)
}

// unwrapExecution strips the EXECUTION_FAILED wrapper RunExclusive applies
// to callback errors, surfacing the underlying typed oidcerr.Error so
// callers can still branch with oidcerr.Is against e.g. STATE_MISMATCH.
func unwrapExecution(err error) error {
	if err == nil {
		return nil
	}
	if oidcErr, ok := err.(*oidcerr.Error); ok && oidcErr.Code == oidcerr.CodeExecutionFailed {
		if cause, ok := oidcErr.Cause.(*oidcerr.Error); ok {
			return cause
		}
	}
	return err
}
