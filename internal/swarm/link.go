package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/hyproxy/internal/keys"
)

const (
	// TransportQUIC and TransportWebRTC select the link implementation.
	TransportQUIC   = "quic"
	TransportWebRTC = "webrtc"

	maxMessageSize = 1 << 20         // 1 MiB per link message
	helloTimeout   = 10 * time.Second // bound on the hello exchange of a new link
)

var (
	errLinkClosed      = errors.New("link closed")
	errMessageTooLarge = errors.New("message too large")
)

// link is one reliable, ordered, message-oriented connection to a peer.
// send may block for backpressure and is safe for concurrent use; recv is
// called from a single goroutine.
type link interface {
	send(msg []byte) error
	recv() ([]byte, error)

	// remoteKey returns the peer key proven by the transport handshake, if
	// the transport proves one.
	remoteKey() (keys.Key, bool)
	remoteAddr() string
	close() error
}

// linkTransport listens for and dials links.
type linkTransport interface {
	// listen accepts links until ctx is done; fail reports the accept loop
	// ending early.
	listen(ctx context.Context, addr string, accept func(link), fail func(error)) (net.Addr, error)
	dial(ctx context.Context, addr string) (link, error)

	// serviceType is the mDNS service type announcing this transport.
	serviceType() string
	close() error
}

func newLinkTransport(cfg Config, node nodeIdentity) (linkTransport, error) {
	switch cfg.Transport {
	case "", TransportQUIC:
		return newQUICTransport(node)
	case TransportWebRTC:
		return newWebRTCTransport(cfg.STUN, cfg.ICELoopback), nil
	default:
		return nil, fmt.Errorf("swarm: unknown transport %q", cfg.Transport)
	}
}
