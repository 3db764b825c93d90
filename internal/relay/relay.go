package relay

import (
	"context"
	"net"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/protocol"
	"github.com/1ureka/hyproxy/internal/util"
)

// defaultFallbackPorts are tried in order when an outbound relay is asked
// for port 0.
var defaultFallbackPorts = []int{9999, 9990, 9991, 9992, 9993, 9994, 9995, 9996, 9997, 9998}

// Option configures a relay.
type Option func(*options)

type options struct {
	policy        Policy
	fallbackPorts []int
	onError       func(error)
}

func defaultOptions() options {
	return options{
		policy:        FirstAvailable,
		fallbackPorts: defaultFallbackPorts,
	}
}

// WithPolicy replaces the peer selection policy of an outbound relay.
func WithPolicy(p Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithFallbackPorts replaces the ports an outbound relay tries when no port
// was requested. Port 0 lets the OS choose.
func WithFallbackPorts(ports ...int) Option {
	return func(o *options) { o.fallbackPorts = ports }
}

// WithErrorHandler receives relay-level failures, such as the local listener
// failing. Per-channel failures are only logged.
func WithErrorHandler(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// handler is the role-specific half of a relay.
type handler interface {
	onFrame(peer keys.Key, f *protocol.Frame)
	onPeerOpen(peer keys.Key)
	onPeerRemove(peer keys.Key)
}

// base holds what inbound and outbound relays share: the transport sink,
// the event loop and the channel registry. Every method except the
// constructor and ChannelCount runs on the loop goroutine.
type base struct {
	role string
	sink Sink
	loop *loop
	reg  *Registry
	opts options

	// ctx is the Run context; sockets derive from it.
	ctx context.Context
}

func newBase(role string, sink Sink, src Source, h handler, opts []Option) *base {
	b := &base{
		role: role,
		sink: sink,
		loop: newLoop(),
		reg:  NewRegistry(),
		opts: defaultOptions(),
		ctx:  context.Background(),
	}
	for _, opt := range opts {
		opt(&b.opts)
	}

	src.OnMessage(func(peer keys.Key, msg []byte) {
		b.loop.post(func() { b.dispatch(h, peer, msg) })
	})
	src.OnPeerOpen(func(peer keys.Key) {
		b.loop.post(func() { h.onPeerOpen(peer) })
	})
	src.OnPeerRemove(func(peer keys.Key) {
		b.loop.post(func() { h.onPeerRemove(peer) })
	})
	return b
}

// run executes the event loop until ctx is done, then destroys every
// remaining channel.
func (b *base) run(ctx context.Context) {
	b.ctx = ctx
	b.loop.run(ctx)
	for _, peer := range b.reg.Peers() {
		b.teardownPeer(peer, errRelayShutdown)
	}
}

// ChannelCount returns the number of live channels.
func (b *base) ChannelCount(ctx context.Context) (int, error) {
	var n int
	err := b.loop.call(ctx, func() { n = b.reg.Len() })
	return n, err
}

func (b *base) report(err error) {
	if b.opts.onError != nil {
		b.opts.onError(err)
		return
	}
	util.LogError("%s: %v", b.role, err)
}

// dispatch decodes one transport message. Malformed frames and reserved
// types are dropped.
func (b *base) dispatch(h handler, peer keys.Key, msg []byte) {
	f, err := protocol.Decode(msg)
	if err != nil {
		util.LogDebug("%s: dropping frame from %s: %v", b.role, peer.Short(), err)
		return
	}
	if !f.Type.Known() {
		util.LogDebug("%s: dropping frame of unknown type %s from %s", b.role, f.Type, peer.Short())
		return
	}
	h.onFrame(peer, f)
}

func (b *base) send(peer keys.Key, id uint32, typ protocol.Type, payload []byte) {
	msg := protocol.Encode(&protocol.Frame{ID: id, Type: typ, Payload: payload})
	if err := b.sink.Send(peer, msg); err != nil {
		util.LogDebug("%s send %s failed: %v", util.Channel(peer[:], id), typ, err)
		return
	}
	if typ == protocol.TypeData {
		util.Stats.AddSent(len(payload))
	}
}

func (b *base) sendRaw(peer keys.Key, msg []byte) {
	if err := b.sink.Send(peer, msg); err != nil {
		util.LogDebug("%s: send to %s failed: %v", b.role, peer.Short(), err)
	}
}

func (b *base) broadcastDiscover() {
	util.LogDebug("%s: broadcasting DISCOVER", b.role)
	if err := b.sink.Broadcast(discoverFrame); err != nil {
		util.LogDebug("%s: broadcast failed: %v", b.role, err)
	}
}

func (b *base) attach(s *socket) error {
	if err := b.reg.Attach(s.peer, s.id, s); err != nil {
		return err
	}
	util.Stats.AddConn()
	return nil
}

func (b *base) detach(s *socket) {
	b.reg.Detach(s.peer, s.id)
	util.Stats.RemoveConn()
}

// current reports whether s is still the registered socket of its channel.
func (b *base) current(s *socket) bool {
	cur, ok := b.reg.Lookup(s.peer, s.id)
	return ok && cur == s
}

// startRelay attaches conn to s and wires its reads back into the loop.
func (b *base) startRelay(s *socket, conn net.Conn) {
	s.connect(conn,
		func(p []byte) { b.loop.post(func() { b.localData(s, p) }) },
		func(err error) { b.loop.post(func() { b.localClosed(s, err) }) },
	)
}

// onData writes a DATA payload to its channel's socket.
func (b *base) onData(peer keys.Key, id uint32, payload []byte) {
	s, ok := b.reg.Lookup(peer, id)
	if !ok {
		util.LogDebug("%s DATA for unknown channel dropped", util.Channel(peer[:], id))
		return
	}
	util.Stats.AddRecv(len(payload))
	s.write(payload)
}

// onClose tears down a channel closed by the peer without echoing CLOSE.
func (b *base) onClose(peer keys.Key, id uint32) {
	s, ok := b.reg.Lookup(peer, id)
	if !ok {
		return
	}
	util.LogDebug("%s received CLOSE", s.label)
	s.remoteClosed = true
	b.detach(s)
	s.finish(errRemoteClosed)
}

func (b *base) localData(s *socket, p []byte) {
	if !b.current(s) {
		return
	}
	b.send(s.peer, s.id, protocol.TypeData, p)
}

// localClosed propagates the local socket ending as exactly one CLOSE.
func (b *base) localClosed(s *socket, err error) {
	if !b.current(s) {
		return
	}
	util.LogDebug("%s local socket closed: %v", s.label, err)
	if !s.remoteClosed {
		b.send(s.peer, s.id, protocol.TypeClose, nil)
	}
	b.detach(s)
	s.finish(err)
}

// teardownPeer destroys every channel of peer without sending frames.
func (b *base) teardownPeer(peer keys.Key, err error) {
	sockets := b.reg.DetachAllOfPeer(peer)
	for _, s := range sockets {
		s.remoteClosed = true
		s.state = stateClosed
		s.destroy(err)
		util.Stats.RemoveConn()
	}
	if len(sockets) > 0 {
		util.LogInfo("%s: closed %d channel(s) of %s: %v", b.role, len(sockets), peer.Short(), err)
	}
}
