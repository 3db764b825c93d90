package swarm

import (
	"errors"
	"sync"

	"github.com/1ureka/hyproxy/internal/keys"
)

// Channel is one named message stream over every link of a topic. Messages
// from a peer are delivered in order, after that peer's open event and
// before its remove event.
type Channel struct {
	node  *Node
	topic keys.Key
	name  string

	mu       sync.Mutex
	onMsg    func(keys.Key, []byte)
	onOpen   func(keys.Key)
	onRemove func(keys.Key)
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Topic returns the discovery key the channel belongs to.
func (c *Channel) Topic() keys.Key {
	return c.topic
}

// Send delivers msg to one peer of the topic.
func (c *Channel) Send(to keys.Key, msg []byte) error {
	env, err := encodeEnvelope(c.name, msg)
	if err != nil {
		return err
	}

	c.node.mu.Lock()
	var p *peer
	if t, ok := c.node.topics[c.topic]; ok {
		p = t.peers[to]
	}
	c.node.mu.Unlock()

	if p == nil {
		return errNoPeer
	}
	return p.link.send(env)
}

// Broadcast delivers msg to every peer of the topic.
func (c *Channel) Broadcast(msg []byte) error {
	env, err := encodeEnvelope(c.name, msg)
	if err != nil {
		return err
	}

	c.node.mu.Lock()
	var peers []*peer
	if t, ok := c.node.topics[c.topic]; ok {
		peers = t.peerList()
	}
	c.node.mu.Unlock()

	var errs []error
	for _, p := range peers {
		if err := p.link.send(env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Peers returns the peers currently linked for the topic.
func (c *Channel) Peers() []keys.Key {
	c.node.mu.Lock()
	defer c.node.mu.Unlock()
	t, ok := c.node.topics[c.topic]
	if !ok {
		return nil
	}
	out := make([]keys.Key, 0, len(t.peers))
	for key := range t.peers {
		out = append(out, key)
	}
	return out
}

// OnMessage registers the receiver of messages on this channel.
func (c *Channel) OnMessage(fn func(peer keys.Key, msg []byte)) {
	c.mu.Lock()
	c.onMsg = fn
	c.mu.Unlock()
}

// OnPeerOpen registers fn for new peers. Peers already linked are reported
// at once.
func (c *Channel) OnPeerOpen(fn func(peer keys.Key)) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()

	for _, peer := range c.Peers() {
		fn(peer)
	}
}

// OnPeerRemove registers fn for lost peers.
func (c *Channel) OnPeerRemove(fn func(peer keys.Key)) {
	c.mu.Lock()
	c.onRemove = fn
	c.mu.Unlock()
}

func (c *Channel) deliver(peer keys.Key, msg []byte) {
	c.mu.Lock()
	fn := c.onMsg
	c.mu.Unlock()
	if fn != nil {
		fn(peer, msg)
	}
}

func (c *Channel) peerOpened(peer keys.Key) {
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}

func (c *Channel) peerRemoved(peer keys.Key) {
	c.mu.Lock()
	fn := c.onRemove
	c.mu.Unlock()
	if fn != nil {
		fn(peer)
	}
}
