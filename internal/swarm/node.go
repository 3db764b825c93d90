// Package swarm connects nodes into per-topic meshes of message links and
// multiplexes named channels over them. It supplies the transport the relays
// run on: peers are identified by their node key, and every message on a
// link is delivered in order.
package swarm

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/betamos/zeroconf"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/util"
)

var (
	ErrClosed      = errors.New("swarm: node closed")
	errNoPeer      = errors.New("peer not connected")
	errSelfLink    = errors.New("link to self")
	errDuplicate   = errors.New("duplicate link")
	errNotJoined   = errors.New("topic not announced")
	errKeyMismatch = errors.New("hello key does not match transport key")
)

// Config selects the link transport and how peers are found.
type Config struct {
	Transport string   // TransportQUIC (default) or TransportWebRTC
	Addr      string   // listen address, default ":0"
	Bootstrap []string // addresses dialed for every lookup topic
	MDNS      bool     // announce and browse on the local network
	STUN      []string // ICE servers for webrtc; nil uses DefaultSTUN

	// ICELoopback gathers loopback ICE candidates, so webrtc links work
	// between nodes on one host.
	ICELoopback bool
}

// DiscoveryOptions says how a node takes part in a topic. Announcing nodes
// accept links for the topic; looking-up nodes dial announcers.
type DiscoveryOptions struct {
	Announce bool
	Lookup   bool
}

type nodeIdentity struct {
	priv ed25519.PrivateKey
	key  keys.Key
}

// Node is one member of the swarm.
type Node struct {
	id    nodeIdentity
	cfg   Config
	links linkTransport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error

	readyOnce sync.Once
	readyErr  error

	mu     sync.Mutex
	addr   net.Addr
	ready  bool
	closed bool
	topics map[keys.Key]*topic
}

// topic is the node's state for one discovery key.
type topic struct {
	key      keys.Key
	opts     DiscoveryOptions
	channels map[string]*Channel
	peers    map[keys.Key]*peer

	// stop ends the discovery started for opts; watching maps each address
	// being dialed to the discovery context that owns its watcher.
	stop     context.CancelFunc
	mdns     *zeroconf.Client
	watching map[string]context.Context
}

// New creates a node identified by priv. Nothing listens until Ready.
func New(priv ed25519.PrivateKey, cfg Config) (*Node, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("swarm: invalid node key of %d bytes", len(priv))
	}
	key, err := keys.FromBytes(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":0"
	}

	id := nodeIdentity{priv: priv, key: key}
	links, err := newLinkTransport(cfg, id)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		id:     id,
		cfg:    cfg,
		links:  links,
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan error, 16),
		topics: make(map[keys.Key]*topic),
	}, nil
}

// Identity returns the node key peers see.
func (n *Node) Identity() keys.Key {
	return n.id.key
}

// Addr returns the listen address, or nil before Ready.
func (n *Node) Addr() net.Addr {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.addr
}

// Errors delivers asynchronous failures, such as the listener stopping.
func (n *Node) Errors() <-chan error {
	return n.errs
}

// Ready starts the listener once. Later calls return the first result.
func (n *Node) Ready(ctx context.Context) error {
	n.readyOnce.Do(func() {
		if err := ctx.Err(); err != nil {
			n.readyErr = err
			return
		}
		addr, err := n.links.listen(n.ctx, n.cfg.Addr, n.accepted, n.report)
		if err != nil {
			n.readyErr = fmt.Errorf("swarm: %w", err)
			return
		}

		n.mu.Lock()
		if n.closed {
			n.mu.Unlock()
			n.readyErr = ErrClosed
			return
		}
		n.addr = addr
		n.ready = true
		for _, t := range n.topics {
			n.startDiscoveryLocked(t)
		}
		n.mu.Unlock()

		util.LogDebug("swarm: node %s listening on %s (%s)", n.id.key.Short(), addr, n.links.serviceType())
	})
	return n.readyErr
}

// Configure sets how the node takes part in topic, replacing earlier
// options. Zero options leave the topic: discovery stops and its links are
// closed. Discovery starts once the node is ready.
func (n *Node) Configure(topicKey keys.Key, opts DiscoveryOptions) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrClosed
	}
	t := n.topicLocked(topicKey)
	n.stopDiscoveryLocked(t)
	t.opts = opts

	var dropped []*peer
	if !opts.Announce && !opts.Lookup {
		for _, p := range t.peers {
			dropped = append(dropped, p)
		}
	}
	if n.ready {
		n.startDiscoveryLocked(t)
	}
	n.mu.Unlock()

	for _, p := range dropped {
		p.link.close()
	}
	return nil
}

// Channel returns the named channel of topic, creating it if needed.
func (n *Node) Channel(topicKey keys.Key, name string) *Channel {
	n.mu.Lock()
	defer n.mu.Unlock()
	t := n.topicLocked(topicKey)
	ch, ok := t.channels[name]
	if !ok {
		ch = &Channel{node: n, topic: topicKey, name: name}
		t.channels[name] = ch
	}
	return ch
}

// Close stops discovery, closes every link and the listener, and waits for
// the node's goroutines.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	var all []*peer
	for _, t := range n.topics {
		n.stopDiscoveryLocked(t)
		for _, p := range t.peers {
			all = append(all, p)
		}
	}
	n.mu.Unlock()

	n.cancel()
	// Links first: the QUIC listener owns the UDP socket the links close over.
	for _, p := range all {
		p.link.close()
	}
	err := n.links.close()
	n.wg.Wait()
	return err
}

func (n *Node) topicLocked(key keys.Key) *topic {
	t, ok := n.topics[key]
	if !ok {
		t = &topic{
			key:      key,
			channels: make(map[string]*Channel),
			peers:    make(map[keys.Key]*peer),
			watching: make(map[string]context.Context),
		}
		n.topics[key] = t
	}
	return t
}

// report hands err to Errors without blocking.
func (n *Node) report(err error) {
	if n.ctx.Err() != nil {
		return
	}
	select {
	case n.errs <- err:
	default:
		util.LogError("%v", err)
	}
}

// ---------------------------------------------------------------------------
// Links
// ---------------------------------------------------------------------------

// peer is one link to a remote node for one topic.
type peer struct {
	key   keys.Key
	topic *topic
	link  link
	done  chan struct{}
}

// accepted runs the accepting half of the hello exchange.
func (n *Node) accepted(l link) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		l.close()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if _, err := n.handshake(l, nil); err != nil {
			util.LogDebug("swarm: rejected link from %s: %v", l.remoteAddr(), err)
			l.close()
		}
	}()
}

// connect dials addr for topicKey and completes the hello exchange. When the
// remote node is already linked for the topic the existing peer is returned
// together with errDuplicate.
func (n *Node) connect(ctx context.Context, addr string, topicKey keys.Key) (*peer, error) {
	l, err := n.links.dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	p, err := n.handshake(l, &topicKey)
	if err != nil && !errors.Is(err, errDuplicate) {
		l.close()
		return nil, err
	}
	if errors.Is(err, errDuplicate) {
		l.close()
	}
	return p, err
}

// handshake exchanges hellos on l. want is the topic the dialer asks for, or
// nil on the accepting side.
func (n *Node) handshake(l link, want *keys.Key) (*peer, error) {
	timer := time.AfterFunc(helloTimeout, func() { l.close() })
	defer timer.Stop()

	if want != nil {
		if err := l.send(encodeHello(n.id.key, *want)); err != nil {
			return nil, err
		}
	}

	msg, err := l.recv()
	if err != nil {
		return nil, err
	}
	remote, topicKey, err := decodeHello(msg)
	if err != nil {
		return nil, err
	}

	if remote == n.id.key {
		if want == nil {
			// Answer so the dialing half stops too.
			l.send(encodeHello(n.id.key, topicKey))
		}
		return nil, errSelfLink
	}
	if proven, ok := l.remoteKey(); ok && proven != remote {
		return nil, errKeyMismatch
	}

	if want != nil {
		if topicKey != *want {
			return nil, fmt.Errorf("remote answered for topic %s", topicKey.Short())
		}
	} else {
		n.mu.Lock()
		t, ok := n.topics[topicKey]
		announced := ok && t.opts.Announce
		n.mu.Unlock()
		if !announced {
			return nil, errNotJoined
		}
		if err := l.send(encodeHello(n.id.key, topicKey)); err != nil {
			return nil, err
		}
	}

	return n.register(l, remote, topicKey)
}

// register adds the peer, fires peer-open on the topic's channels and starts
// its read loop.
func (n *Node) register(l link, remote, topicKey keys.Key) (*peer, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	t := n.topicLocked(topicKey)
	if existing, ok := t.peers[remote]; ok {
		n.mu.Unlock()
		return existing, errDuplicate
	}
	p := &peer{key: remote, topic: t, link: l, done: make(chan struct{})}
	t.peers[remote] = p
	channels := t.channelList()
	n.wg.Add(1)
	n.mu.Unlock()

	util.LogDebug("swarm: linked to %s for topic %s via %s", remote.Short(), topicKey.Short(), l.remoteAddr())
	for _, ch := range channels {
		ch.peerOpened(remote)
	}
	go n.readLoop(p)
	return p, nil
}

// readLoop delivers link messages to their channels until the link fails,
// then fires peer-remove.
func (n *Node) readLoop(p *peer) {
	defer n.wg.Done()
	for {
		msg, err := p.link.recv()
		if err != nil {
			util.LogDebug("swarm: link to %s ended: %v", p.key.Short(), err)
			break
		}
		name, payload, err := decodeEnvelope(msg)
		if err != nil {
			util.LogDebug("swarm: dropping message from %s: %v", p.key.Short(), err)
			continue
		}

		n.mu.Lock()
		ch := p.topic.channels[name]
		n.mu.Unlock()
		if ch == nil {
			util.LogDebug("swarm: dropping message for unknown channel %q", name)
			continue
		}
		ch.deliver(p.key, payload)
	}

	p.link.close()

	n.mu.Lock()
	if p.topic.peers[p.key] == p {
		delete(p.topic.peers, p.key)
	}
	channels := p.topic.channelList()
	n.mu.Unlock()

	close(p.done)
	for _, ch := range channels {
		ch.peerRemoved(p.key)
	}
}

func (t *topic) channelList() []*Channel {
	out := make([]*Channel, 0, len(t.channels))
	for _, ch := range t.channels {
		out = append(out, ch)
	}
	return out
}

func (t *topic) peerList() []*peer {
	out := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}
