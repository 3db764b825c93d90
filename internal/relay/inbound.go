package relay

import (
	"context"
	"net"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/protocol"
	"github.com/1ureka/hyproxy/internal/util"
)

// Inbound answers CONNECT frames by dialing a fixed local target and
// relaying bytes both ways. It acknowledges every DISCOVER.
type Inbound struct {
	*base
	target string
	dialer net.Dialer
}

// NewInbound creates an inbound relay dialing target ("host:port"). It
// subscribes to src immediately; frames arriving before Run are queued.
func NewInbound(sink Sink, src Source, target string, opts ...Option) *Inbound {
	in := &Inbound{target: target}
	in.base = newBase("inbound", sink, src, in, opts)
	return in
}

// Target returns the address CONNECT requests are dialed to.
func (in *Inbound) Target() string {
	return in.target
}

// Run processes frames until ctx is cancelled, then destroys all channels.
func (in *Inbound) Run(ctx context.Context) error {
	util.LogDebug("inbound: relaying to %s", in.target)
	in.run(ctx)
	return nil
}

func (in *Inbound) onFrame(peer keys.Key, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeDiscover:
		util.LogDebug("inbound: DISCOVER from %s, sending ACK", peer.Short())
		in.sendRaw(peer, ackFrame)
	case protocol.TypeConnect:
		in.open(peer, f.ID)
	case protocol.TypeData:
		in.onData(peer, f.ID, f.Payload)
	case protocol.TypeClose:
		in.onClose(peer, f.ID)
	}
}

func (in *Inbound) onPeerOpen(peer keys.Key) {
	util.LogDebug("inbound: peer %s opened", peer.Short())
}

func (in *Inbound) onPeerRemove(peer keys.Key) {
	util.LogDebug("inbound: peer %s removed", peer.Short())
	in.teardownPeer(peer, errPeerLost)
}

// open creates the channel in the idle state and dials the target. DATA
// arriving before the dial completes is queued on the socket.
func (in *Inbound) open(peer keys.Key, id uint32) {
	if id == protocol.ControlID {
		util.LogDebug("inbound: CONNECT with control id from %s dropped", peer.Short())
		return
	}

	s := newSocket(in.ctx, peer, id)
	if err := in.attach(s); err != nil {
		util.LogWarning("%s CONNECT ignored: %v", s.label, err)
		s.cancel()
		return
	}

	go func() {
		conn, err := in.dialer.DialContext(s.ctx, "tcp", in.target)
		in.loop.postOr(func() { in.dialed(s, conn, err) }, func() {
			if conn != nil {
				conn.Close()
			}
		})
	}()
}

func (in *Inbound) dialed(s *socket, conn net.Conn, err error) {
	if err != nil {
		if in.current(s) {
			util.LogWarning("%s TCP dial failed: %v", s.label, err)
			in.send(s.peer, s.id, protocol.TypeClose, nil)
			in.detach(s)
			s.state = stateClosed
		}
		s.destroy(err)
		return
	}

	if s.ctx.Err() != nil {
		// Destroyed while dialing.
		conn.Close()
		return
	}

	util.LogDebug("%s TCP connected to %s", s.label, in.target)
	in.startRelay(s, conn)
}
