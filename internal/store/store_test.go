package store

import (
	"context"
	"crypto/ed25519"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotReady(t *testing.T) {
	s := New("")

	_, err := s.NodeKey()
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = s.Namespace("x")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEphemeralStoresDiffer(t *testing.T) {
	ctx := context.Background()
	a, b := New(""), New("")
	require.NoError(t, a.Ready(ctx))
	require.NoError(t, b.Ready(ctx))

	ka, err := a.Namespace("hypercore-tcp-proxy:localhost:8080")
	require.NoError(t, err)
	kb, err := b.Namespace("hypercore-tcp-proxy:localhost:8080")
	require.NoError(t, err)

	assert.NotEqual(t, ka, kb)
}

func TestNamespaceDeterministic(t *testing.T) {
	s := New("")
	require.NoError(t, s.Ready(context.Background()))

	k1, err := s.Namespace("a")
	require.NoError(t, err)
	k2, err := s.Namespace("a")
	require.NoError(t, err)
	k3, err := s.Namespace("b")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	node, err := s.NodeKey()
	require.NoError(t, err)
	assert.NotEqual(t, k1[:], []byte(node.Public().(ed25519.PublicKey)))
}

func TestPersistedMasterKeySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "keys")

	first := New(dir)
	require.NoError(t, first.Ready(ctx))
	k1, err := first.Namespace("svc")
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, masterKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	second := New(dir)
	require.NoError(t, second.Ready(ctx))
	k2, err := second.Namespace("svc")
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
}

func TestCorruptMasterKey(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, masterKeyFile), []byte("short"), 0o600))

	s := New(dir)
	err := s.Ready(context.Background())
	require.Error(t, err)

	// The first result is sticky.
	assert.Equal(t, err, s.Ready(context.Background()))
}
