package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/util"
)

const quicALPN = "hyproxy/1"

// Keep-alives let a dead peer be noticed within the idle timeout.
var defaultQUICConfig = &quic.Config{
	KeepAlivePeriod: 15 * time.Second,
	MaxIdleTimeout:  45 * time.Second,
}

type quicTransport struct {
	server *tls.Config
	client *tls.Config

	mu       sync.Mutex
	listener *quic.Listener
}

func newQUICTransport(node nodeIdentity) (*quicTransport, error) {
	cert, err := nodeCertificate(node.priv)
	if err != nil {
		return nil, err
	}
	return &quicTransport{
		server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequireAnyClientCert,
			NextProtos:   []string{quicALPN},
			MinVersion:   tls.VersionTLS13,
		},
		// Peers are identified by the key in their certificate, checked
		// against the hello, not by a CA chain.
		client: &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			NextProtos:         []string{quicALPN},
			MinVersion:         tls.VersionTLS13,
		},
	}, nil
}

// nodeCertificate creates a self-signed certificate for the node key.
func nodeCertificate(priv ed25519.PrivateKey) (tls.Certificate, error) {
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "hyproxy"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create node certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func (t *quicTransport) serviceType() string { return "_hyproxy._udp" }

func (t *quicTransport) listen(ctx context.Context, addr string, accept func(link), fail func(error)) (net.Addr, error) {
	listener, err := quic.ListenAddr(addr, t.server, defaultQUICConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()

	go t.acceptLoop(ctx, listener, accept, fail)
	return listener.Addr(), nil
}

func (t *quicTransport) acceptLoop(ctx context.Context, listener *quic.Listener, accept func(link), fail func(error)) {
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, quic.ErrServerClosed) {
				fail(fmt.Errorf("quic: accept on %s failed: %w", listener.Addr(), err))
			}
			return
		}
		go func() {
			stream, err := conn.AcceptStream(ctx)
			if err != nil {
				util.LogDebug("quic: no stream from %s: %v", conn.RemoteAddr(), err)
				conn.CloseWithError(0, "")
				return
			}
			accept(newQUICLink(conn, stream))
		}()
	}
}

func (t *quicTransport) dial(ctx context.Context, addr string) (link, error) {
	conn, err := quic.DialAddr(ctx, addr, t.client, defaultQUICConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICLink(conn, stream), nil
}

func (t *quicTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Close()
}

// quicLink carries length-prefixed messages on one bidirectional stream:
//
//	uint32 BE length | message
type quicLink struct {
	conn   quic.Connection
	stream quic.Stream

	writeMu sync.Mutex
	header  [4]byte
}

func newQUICLink(conn quic.Connection, stream quic.Stream) *quicLink {
	return &quicLink{conn: conn, stream: stream}
}

func (l *quicLink) send(msg []byte) error {
	if len(msg) > maxMessageSize {
		return errMessageTooLarge
	}
	buf := make([]byte, 4+len(msg))
	binary.BigEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_, err := l.stream.Write(buf)
	return err
}

func (l *quicLink) recv() ([]byte, error) {
	if _, err := io.ReadFull(l.stream, l.header[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l.header[:])
	if n > maxMessageSize {
		return nil, errMessageTooLarge
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(l.stream, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (l *quicLink) remoteKey() (keys.Key, bool) {
	certs := l.conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return keys.Key{}, false
	}
	pub, ok := certs[0].PublicKey.(ed25519.PublicKey)
	if !ok {
		return keys.Key{}, false
	}
	key, err := keys.FromBytes(pub)
	if err != nil {
		return keys.Key{}, false
	}
	return key, true
}

func (l *quicLink) remoteAddr() string {
	return l.conn.RemoteAddr().String()
}

func (l *quicLink) close() error {
	l.stream.CancelRead(0)
	l.stream.Close()
	return l.conn.CloseWithError(0, "")
}
