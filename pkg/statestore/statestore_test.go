package statestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/oidcrp/pkg/oidcerr"
	"github.com/dexidp/oidcrp/pkg/statestore"
)

func TestAddAndConsumeState(t *testing.T) {
	s := statestore.New(statestore.Options{})
	ctx := context.Background()

	require.NoError(t, s.AddState(ctx, "state1", "nonce1", "verifier1"))

	entry, err := s.GetStateEntry(ctx, "state1")
	require.NoError(t, err)
	assert.Equal(t, "nonce1", entry.Nonce)
	assert.Equal(t, "verifier1", entry.CodeVerifier)
}

func TestStateConsumedAtMostOnce(t *testing.T) {
	s := statestore.New(statestore.Options{})
	ctx := context.Background()

	require.NoError(t, s.AddState(ctx, "state1", "nonce1", ""))
	_, err := s.GetStateEntry(ctx, "state1")
	require.NoError(t, err)

	_, err = s.GetStateEntry(ctx, "state1")
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeStateMismatch))
}

func TestAddStateAlreadyExists(t *testing.T) {
	s := statestore.New(statestore.Options{})
	ctx := context.Background()

	require.NoError(t, s.AddState(ctx, "dup", "n", "v"))
	err := s.AddState(ctx, "dup", "n2", "v2")
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeStateAlreadyExists))
}

func TestGetStateEntryMissing(t *testing.T) {
	s := statestore.New(statestore.Options{})
	_, err := s.GetStateEntry(context.Background(), "never-added")
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeStateMismatch))
}

func TestRemoveStateIsIdempotent(t *testing.T) {
	s := statestore.New(statestore.Options{})
	ctx := context.Background()

	require.NoError(t, s.RemoveState(ctx, "never-added"))

	require.NoError(t, s.AddState(ctx, "s", "n", "v"))
	require.NoError(t, s.RemoveState(ctx, "s"))
	require.NoError(t, s.RemoveState(ctx, "s"))

	_, err := s.GetStateEntry(ctx, "s")
	require.Error(t, err)
	assert.True(t, oidcerr.Is(err, oidcerr.CodeStateMismatch))
}

func TestCreatedAtUsesConfiguredClock(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := statestore.New(statestore.Options{Now: func() time.Time { return fixed }})
	ctx := context.Background()

	require.NoError(t, s.AddState(ctx, "s", "n", "v"))
	entry, err := s.GetStateEntry(ctx, "s")
	require.NoError(t, err)
	assert.True(t, entry.CreatedAt.Equal(fixed))
}
