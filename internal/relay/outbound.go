package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/protocol"
	"github.com/1ureka/hyproxy/internal/util"
)

// Outbound owns a local TCP listener. Every accepted connection is opened as
// a channel to an authorized peer, found through the DISCOVER/ACK handshake.
type Outbound struct {
	*base
	host string
	port int

	listener net.Listener

	// Loop-owned
	nextID     uint32
	authorized *authorizedSet
}

// NewOutbound creates an outbound relay that will listen on host:port. Port
// 0 selects the first free fallback port. It subscribes to src immediately.
func NewOutbound(sink Sink, src Source, host string, port int, opts ...Option) *Outbound {
	o := &Outbound{
		host:       host,
		port:       port,
		authorized: newAuthorizedSet(),
	}
	o.base = newBase("outbound", sink, src, o, opts)
	return o
}

// Listen binds the local listener. Connections are queued by the OS until
// Run starts accepting.
func (o *Outbound) Listen() error {
	if o.listener != nil {
		return nil
	}

	ports := []int{o.port}
	if o.port == 0 {
		ports = o.opts.fallbackPorts
	}
	if len(ports) == 0 {
		return fmt.Errorf("outbound: no port to listen on")
	}

	var errs []error
	for _, p := range ports {
		addr := net.JoinHostPort(o.host, strconv.Itoa(p))
		l, err := net.Listen("tcp", addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		o.listener = l
		o.port = l.Addr().(*net.TCPAddr).Port
		util.LogDebug("outbound: listening on %s", l.Addr())
		return nil
	}
	return fmt.Errorf("outbound: failed to listen on %s: %w", o.host, errors.Join(errs...))
}

// Host returns the host the listener was bound on.
func (o *Outbound) Host() string {
	return o.host
}

// Port returns the bound port. It is only meaningful after Listen.
func (o *Outbound) Port() int {
	return o.port
}

// Addr returns the listener address, or nil before Listen.
func (o *Outbound) Addr() net.Addr {
	if o.listener == nil {
		return nil
	}
	return o.listener.Addr()
}

// Peers returns the authorized peers in ACK order.
func (o *Outbound) Peers(ctx context.Context) ([]keys.Key, error) {
	var peers []keys.Key
	err := o.loop.call(ctx, func() { peers = o.authorized.list() })
	return peers, err
}

// Run listens if needed, broadcasts the first DISCOVER once connections can
// be accepted and relays until ctx is cancelled.
func (o *Outbound) Run(ctx context.Context) error {
	if err := o.Listen(); err != nil {
		return err
	}
	o.ctx = ctx

	go func() {
		<-ctx.Done()
		o.listener.Close()
	}()
	go o.acceptLoop(ctx)

	o.loop.post(o.broadcastDiscover)
	o.run(ctx)
	return nil
}

func (o *Outbound) acceptLoop(ctx context.Context) {
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			o.report(fmt.Errorf("outbound: accept on %s failed: %w", o.listener.Addr(), err))
			return
		}
		if ctx.Err() != nil {
			conn.Close()
			return
		}
		o.loop.postOr(func() { o.accepted(conn) }, func() { conn.Close() })
	}
}

// accepted opens a channel for a new local connection, or drops it at once
// when no peer is authorized.
func (o *Outbound) accepted(conn net.Conn) {
	peer, ok := o.opts.policy(o.authorized.list())
	if !ok {
		util.LogWarning("outbound: no remote connection, dropping %s", conn.RemoteAddr())
		util.Stats.RejectConn()
		conn.Close()
		return
	}

	o.nextID++
	s := newSocket(o.ctx, peer, o.nextID)
	if err := o.attach(s); err != nil {
		util.LogWarning("%s: %v", s.label, err)
		s.cancel()
		conn.Close()
		return
	}

	util.LogDebug("%s new connection from %s", s.label, conn.RemoteAddr())
	o.send(peer, s.id, protocol.TypeConnect, nil)
	o.startRelay(s, conn)
}

func (o *Outbound) onFrame(peer keys.Key, f *protocol.Frame) {
	switch f.Type {
	case protocol.TypeAck:
		if o.authorized.add(peer) {
			util.LogInfo("outbound: peer %s acknowledged, ready to relay", peer.Short())
		}
	case protocol.TypeData:
		o.onData(peer, f.ID, f.Payload)
	case protocol.TypeClose:
		o.onClose(peer, f.ID)
	case protocol.TypeDiscover, protocol.TypeConnect:
		util.LogDebug("outbound: ignoring %s from %s", f.Type, peer.Short())
	}
}

func (o *Outbound) onPeerOpen(peer keys.Key) {
	if o.authorized.len() == 0 {
		util.LogDebug("outbound: peer %s opened, sending DISCOVER", peer.Short())
		o.sendRaw(peer, discoverFrame)
	}
}

func (o *Outbound) onPeerRemove(peer keys.Key) {
	o.teardownPeer(peer, errPeerLost)
	if o.authorized.remove(peer) {
		util.LogWarning("outbound: lost peer %s, looking for another", peer.Short())
		o.broadcastDiscover()
	}
}
