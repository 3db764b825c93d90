// Package keys defines the 32-byte public keys that name proxy endpoints and
// swarm peers, and the discovery key derived from them.
package keys

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"github.com/1ureka/hyproxy/internal/util"
)

// Size is the length of a key in bytes.
const Size = 32

// discoveryContext is hashed under the key to form its discovery key.
var discoveryContext = []byte("hypercore")

// ErrInvalidKey is returned when a key cannot be parsed.
var ErrInvalidKey = errors.New("invalid key")

// Key is an ed25519 public key. It is comparable and usable as a map key.
type Key [Size]byte

// Parse decodes a 64 character hex string.
func Parse(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return FromBytes(b)
}

// FromBytes copies b into a Key.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(b), Size)
	}
	copy(k[:], b)
	return k, nil
}

// String returns the full hex encoding.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Short returns an abbreviated form for log output.
func (k Key) Short() string {
	return util.PrettyHash(k[:])
}

// IsZero reports whether k is the zero key.
func (k Key) IsZero() bool {
	return k == Key{}
}

// DiscoveryKey returns the topic peers meet under without revealing k
// itself: BLAKE2b-256 of "hypercore" keyed with k.
func (k Key) DiscoveryKey() Key {
	h, err := blake2b.New256(k[:])
	if err != nil {
		// Only possible for keys longer than 64 bytes.
		panic(err)
	}
	h.Write(discoveryContext)
	var out Key
	copy(out[:], h.Sum(nil))
	return out
}
