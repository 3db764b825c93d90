// Package store owns the master key every other key of a proxy process is
// derived from. The master key is either persisted in a storage directory,
// so keys survive restarts, or kept in memory for ephemeral use.
package store

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/util"
)

const (
	// masterKeyFile is the file name of the persisted master key.
	masterKeyFile = "master.key"
	// masterKeySize is the length of the random master key.
	masterKeySize = 32
	// nodeKeyInfo is the HKDF info string for the swarm node key pair.
	nodeKeyInfo = "hyproxy:node"
)

// ErrNotReady is returned by accessors used before Ready succeeded.
var ErrNotReady = errors.New("store is not ready")

// Store lazily loads or creates the master key on the first Ready call.
type Store struct {
	dir string

	once   sync.Once
	err    error
	master []byte
}

// New creates a Store persisting to dir. An empty dir keeps the master key
// in memory only.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Ready loads or generates the master key. It is safe to call repeatedly;
// only the first call does any work and later calls return its result.
func (s *Store) Ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.once.Do(func() {
		if s.dir == "" {
			s.master, s.err = generate()
			if s.err == nil {
				util.LogDebug("store: using ephemeral master key")
			}
			return
		}
		s.master, s.err = s.loadOrCreate()
	})
	return s.err
}

func (s *Store) loadOrCreate() ([]byte, error) {
	path := filepath.Join(s.dir, masterKeyFile)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if len(data) != masterKeySize {
			return nil, fmt.Errorf("store: %s is corrupt: %d bytes, want %d", path, len(data), masterKeySize)
		}
		util.LogDebug("store: loaded master key from %s", path)
		return data, nil

	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(s.dir, 0o700); err != nil {
			return nil, fmt.Errorf("store: failed to create %s: %w", s.dir, err)
		}
		master, err := generate()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, master, 0o600); err != nil {
			return nil, fmt.Errorf("store: failed to write %s: %w", path, err)
		}
		util.LogDebug("store: created master key at %s", path)
		return master, nil

	default:
		return nil, fmt.Errorf("store: failed to read %s: %w", path, err)
	}
}

func generate() ([]byte, error) {
	master := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("store: failed to generate master key: %w", err)
	}
	return master, nil
}

// NodeKey returns the key pair that identifies this process in the swarm.
func (s *Store) NodeKey() (ed25519.PrivateKey, error) {
	return s.derive(nodeKeyInfo)
}

// Namespace returns the public key deterministically derived for name. The
// same master key and name always yield the same key.
func (s *Store) Namespace(name string) (keys.Key, error) {
	priv, err := s.derive("hyproxy:namespace:" + name)
	if err != nil {
		return keys.Key{}, err
	}
	return keys.FromBytes(priv.Public().(ed25519.PublicKey))
}

func (s *Store) derive(info string) (ed25519.PrivateKey, error) {
	if s.master == nil {
		return nil, ErrNotReady
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.master, nil, []byte(info)), seed); err != nil {
		return nil, fmt.Errorf("store: key derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
