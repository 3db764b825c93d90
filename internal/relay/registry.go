package relay

import (
	"errors"

	"github.com/1ureka/hyproxy/internal/keys"
)

// ErrChannelExists is returned by Attach when the channel already has a
// socket. It indicates a protocol violation by the peer.
var ErrChannelExists = errors.New("channel already has a socket")

// Registry maps (peer, connection id) to the local socket of that channel.
// It is owned by one relay loop and is not safe for concurrent use.
type Registry struct {
	peers map[keys.Key]map[uint32]*socket
	size  int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[keys.Key]map[uint32]*socket)}
}

// Attach registers s as the socket of channel (peer, id).
func (r *Registry) Attach(peer keys.Key, id uint32, s *socket) error {
	bucket, ok := r.peers[peer]
	if !ok {
		bucket = make(map[uint32]*socket)
		r.peers[peer] = bucket
	}
	if _, exists := bucket[id]; exists {
		return ErrChannelExists
	}
	bucket[id] = s
	r.size++
	return nil
}

// Lookup returns the socket of channel (peer, id). A miss is normal: a
// frame may race with the local socket closing.
func (r *Registry) Lookup(peer keys.Key, id uint32) (*socket, bool) {
	s, ok := r.peers[peer][id]
	return s, ok
}

// Detach removes channel (peer, id). Detaching an unknown channel is a no-op.
func (r *Registry) Detach(peer keys.Key, id uint32) {
	bucket, ok := r.peers[peer]
	if !ok {
		return
	}
	if _, ok := bucket[id]; !ok {
		return
	}
	delete(bucket, id)
	r.size--
	if len(bucket) == 0 {
		delete(r.peers, peer)
	}
}

// ForEachOfPeer calls fn for every channel of peer. fn must not mutate the
// registry.
func (r *Registry) ForEachOfPeer(peer keys.Key, fn func(id uint32, s *socket)) {
	for id, s := range r.peers[peer] {
		fn(id, s)
	}
}

// DetachAllOfPeer removes every channel of peer and returns their sockets.
func (r *Registry) DetachAllOfPeer(peer keys.Key) []*socket {
	bucket := r.peers[peer]
	out := make([]*socket, 0, len(bucket))
	for _, s := range bucket {
		out = append(out, s)
	}
	r.size -= len(bucket)
	delete(r.peers, peer)
	return out
}

// Peers returns the peers that own at least one channel.
func (r *Registry) Peers() []keys.Key {
	out := make([]keys.Key, 0, len(r.peers))
	for peer := range r.peers {
		out = append(out, peer)
	}
	return out
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	return r.size
}
