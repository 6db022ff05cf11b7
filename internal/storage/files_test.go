package storage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zapflow/telegram-gateway/internal/domain"
)

func TestSessionRoundTrip(t *testing.T) {
	store, err := NewFileSessionStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("alice", "opaque-token-123"))

	token, err := store.Load("alice")
	require.NoError(t, err)
	require.Equal(t, "opaque-token-123", token)
}

func TestSaveOverwrites(t *testing.T) {
	store, err := NewFileSessionStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("alice", "first"))
	require.NoError(t, store.Save("alice", "second"))

	token, err := store.Load("alice")
	require.NoError(t, err)
	require.Equal(t, "second", token)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, err := NewFileSessionStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListAllReturnsSavedNames(t *testing.T) {
	store, err := NewFileSessionStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("alice", "a"))
	require.NoError(t, store.Save("bob", "b"))

	names, err := store.ListAll()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, names)
}

func TestRejectsPathEscapingNames(t *testing.T) {
	store, err := NewFileSessionStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", "../evil", "a/b", `a\b`} {
		err := store.Save(name, "token")
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error for %q, got %v", name, err)
		}
	}
}
