package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/relay"
	"github.com/1ureka/hyproxy/internal/swarm"
)

const (
	waitFor = 10 * time.Second
	tick    = 20 * time.Millisecond
)

func newTestProxy(t *testing.T, storage string, bootstrap ...string) *Proxy {
	t.Helper()
	p := New(Options{
		Storage: storage,
		Swarm:   swarm.Config{Addr: "127.0.0.1:0", Bootstrap: bootstrap},
		Relay:   []relay.Option{relay.WithFallbackPorts(0)},
	})
	t.Cleanup(func() { p.Close() })
	return p
}

// startHelloServer answers "hello" with "world" on every connection.
func startHelloServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 5)
				if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "hello" {
					return
				}
				c.Write([]byte("world"))
				io.Copy(io.Discard, c)
			}(conn)
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func TestOutboundRequiresKey(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	p := New(Options{Storage: dir})
	defer p.Close()

	_, err := p.Outbound(context.Background(), keys.Key{}, 0, "")
	assert.ErrorIs(t, err, ErrKeyRequired)
	assert.Nil(t, p.Node(), "no I/O before validation")
	assert.NoDirExists(t, dir)
}

func TestInboundRequiresPort(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "never-created")
	p := New(Options{Storage: dir})
	defer p.Close()

	_, err := p.Inbound(context.Background(), keys.Key{}, 0, "")
	assert.ErrorIs(t, err, ErrPortRequired)
	assert.Nil(t, p.Node())
	assert.NoDirExists(t, dir)
}

func TestInboundKeyName(t *testing.T) {
	assert.Equal(t, "hypercore-tcp-proxy:localhost:8080", InboundKeyName("localhost", 8080))
	assert.Equal(t, "hypercore-tcp-proxy:extension", ChannelName)
}

func TestInboundDerivesStableKey(t *testing.T) {
	dir := t.TempDir()

	first := newTestProxy(t, dir)
	a, err := first.Inbound(context.Background(), keys.Key{}, 8080, "")
	require.NoError(t, err)
	b, err := first.Inbound(context.Background(), keys.Key{}, 8081, "")
	require.NoError(t, err)
	assert.False(t, a.Key.IsZero())
	assert.NotEqual(t, a.Key, b.Key)
	assert.Equal(t, DefaultHost, a.Host)
	assert.Equal(t, 8080, a.Port)
	require.NoError(t, first.Close())

	second := newTestProxy(t, dir)
	again, err := second.Inbound(context.Background(), keys.Key{}, 8080, "")
	require.NoError(t, err)
	assert.Equal(t, a.Key, again.Key, "same store, host and port give the same key")
}

func TestInboundKeepsExplicitKey(t *testing.T) {
	p := newTestProxy(t, "")
	var key keys.Key
	key[0] = 0x99

	e, err := p.Inbound(context.Background(), key, 8080, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, key, e.Key)
	assert.Equal(t, "127.0.0.1", e.Host)
}

func TestUnobservedErrorIsFatal(t *testing.T) {
	p := New(Options{})
	defer p.Close()

	boom := errors.New("boom")
	p.fail(boom)

	select {
	case <-p.Done():
	default:
		t.Fatal("proxy did not stop")
	}
	assert.ErrorIs(t, p.Err(), boom)

	p.fail(errors.New("later"))
	assert.ErrorIs(t, p.Err(), boom, "first error wins")
}

func TestObservedErrorIsNotFatal(t *testing.T) {
	p := New(Options{})
	defer p.Close()

	var got []error
	p.OnError(func(err error) { got = append(got, err) })
	p.fail(errors.New("boom"))

	select {
	case <-p.Done():
		t.Fatal("proxy stopped although the error was observed")
	default:
	}
	assert.NoError(t, p.Err())
	require.Len(t, got, 1)
	assert.EqualError(t, got[0], "boom")
}

func TestEndToEndOverQUIC(t *testing.T) {
	targetPort := startHelloServer(t)

	server := newTestProxy(t, "")
	in, err := server.Inbound(context.Background(), keys.Key{}, targetPort, "127.0.0.1")
	require.NoError(t, err)

	client := newTestProxy(t, "", server.Node().Addr().String())
	out, err := client.Outbound(context.Background(), in.Key, 0, "127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, in.Key, out.Key)
	assert.NotZero(t, out.Port)

	require.Eventually(t, func() bool {
		peers, err := out.Peers(context.Background())
		return err == nil && len(peers) == 1 && peers[0] == server.Node().Identity()
	}, waitFor, tick)

	conn, err := net.Dial("tcp", net.JoinHostPort(out.Host, strconv.Itoa(out.Port)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(waitFor))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf))

	conn.Close()
	require.Eventually(t, func() bool {
		nIn, errIn := in.Channels(context.Background())
		nOut, errOut := out.Channels(context.Background())
		return errIn == nil && errOut == nil && nIn == 0 && nOut == 0
	}, waitFor, tick)

	select {
	case <-server.Done():
		t.Fatalf("server stopped: %v", server.Err())
	case <-client.Done():
		t.Fatalf("client stopped: %v", client.Err())
	default:
	}
}

func TestEndpointCloseStopsListener(t *testing.T) {
	p := newTestProxy(t, "")
	var key keys.Key
	key[0] = 1

	out, err := p.Outbound(context.Background(), key, 0, "127.0.0.1")
	require.NoError(t, err)
	addr := net.JoinHostPort(out.Host, strconv.Itoa(out.Port))

	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	_, err = net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}
