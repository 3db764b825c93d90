package relay

import (
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/protocol"
)

// Compile-time interface checks.
var (
	_ Sink   = (*fakeTransport)(nil)
	_ Source = (*fakeTransport)(nil)
	_ Sink   = (*linkedTransport)(nil)
	_ Source = (*linkedTransport)(nil)
)

func testKey(b byte) keys.Key {
	var k keys.Key
	for i := range k {
		k[i] = b
	}
	return k
}

// ---------------------------------------------------------------------------
// fakeTransport: records what a relay sends and lets the test inject frames.
// ---------------------------------------------------------------------------

type sentFrame struct {
	peer      keys.Key
	broadcast bool
	frame     *protocol.Frame
}

type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentFrame
	onMsg    func(keys.Key, []byte)
	onOpen   func(keys.Key)
	onRemove func(keys.Key)
}

func (f *fakeTransport) Send(peer keys.Key, msg []byte) error {
	return f.record(peer, false, msg)
}

func (f *fakeTransport) Broadcast(msg []byte) error {
	return f.record(keys.Key{}, true, msg)
}

func (f *fakeTransport) record(peer keys.Key, broadcast bool, msg []byte) error {
	frame, err := protocol.Decode(msg)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sentFrame{peer: peer, broadcast: broadcast, frame: frame})
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) OnMessage(fn func(keys.Key, []byte)) {
	f.mu.Lock()
	f.onMsg = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnPeerOpen(fn func(keys.Key)) {
	f.mu.Lock()
	f.onOpen = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnPeerRemove(fn func(keys.Key)) {
	f.mu.Lock()
	f.onRemove = fn
	f.mu.Unlock()
}

func (f *fakeTransport) inject(peer keys.Key, id uint32, typ protocol.Type, payload []byte) {
	f.mu.Lock()
	fn := f.onMsg
	f.mu.Unlock()
	fn(peer, protocol.Encode(&protocol.Frame{ID: id, Type: typ, Payload: payload}))
}

func (f *fakeTransport) open(peer keys.Key) {
	f.mu.Lock()
	fn := f.onOpen
	f.mu.Unlock()
	fn(peer)
}

func (f *fakeTransport) remove(peer keys.Key) {
	f.mu.Lock()
	fn := f.onRemove
	f.mu.Unlock()
	fn(peer)
}

func (f *fakeTransport) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

// count returns how many recorded frames match typ, optionally only broadcasts.
func (f *fakeTransport) count(typ protocol.Type, broadcastOnly bool) int {
	n := 0
	for _, s := range f.frames() {
		if s.frame.Type == typ && (!broadcastOnly || s.broadcast) {
			n++
		}
	}
	return n
}

// ---------------------------------------------------------------------------
// linkedTransport: two in-process endpoints joined by an ordered link.
// Messages are delivered asynchronously but in send order, as the swarm does.
// ---------------------------------------------------------------------------

type linkedTransport struct {
	self  keys.Key
	other *linkedTransport
	queue chan func()

	mu        sync.Mutex
	connected bool
	onMsg     func(keys.Key, []byte)
	onOpen    func(keys.Key)
	onRemove  func(keys.Key)
}

var errNotConnected = errors.New("peer not connected")

// linkedPair creates two endpoints. Call connect to fire peer-open on both.
func linkedPair(t *testing.T, a, b keys.Key) (*linkedTransport, *linkedTransport) {
	t.Helper()
	ta := &linkedTransport{self: a, queue: make(chan func(), 4096)}
	tb := &linkedTransport{self: b, queue: make(chan func(), 4096)}
	ta.other, tb.other = tb, ta

	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	for _, tr := range []*linkedTransport{ta, tb} {
		go func(q chan func()) {
			for {
				select {
				case fn := <-q:
					fn()
				case <-done:
					return
				}
			}
		}(tr.queue)
	}
	return ta, tb
}

func (l *linkedTransport) Send(peer keys.Key, msg []byte) error {
	if peer != l.other.self {
		return errNotConnected
	}
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return errNotConnected
	}

	buf := append([]byte(nil), msg...)
	from := l.self
	dst := l.other
	dst.queue <- func() {
		dst.mu.Lock()
		fn := dst.onMsg
		dst.mu.Unlock()
		if fn != nil {
			fn(from, buf)
		}
	}
	return nil
}

func (l *linkedTransport) Broadcast(msg []byte) error {
	err := l.Send(l.other.self, msg)
	if errors.Is(err, errNotConnected) {
		return nil
	}
	return err
}

func (l *linkedTransport) OnMessage(fn func(keys.Key, []byte)) {
	l.mu.Lock()
	l.onMsg = fn
	l.mu.Unlock()
}

func (l *linkedTransport) OnPeerOpen(fn func(keys.Key)) {
	l.mu.Lock()
	l.onOpen = fn
	l.mu.Unlock()
}

func (l *linkedTransport) OnPeerRemove(fn func(keys.Key)) {
	l.mu.Lock()
	l.onRemove = fn
	l.mu.Unlock()
}

// connect marks both ends connected and fires peer-open on each.
func (l *linkedTransport) connect() {
	for _, end := range []*linkedTransport{l, l.other} {
		end.mu.Lock()
		end.connected = true
		end.mu.Unlock()
	}
	for _, end := range []*linkedTransport{l, l.other} {
		end := end
		end.queue <- func() {
			end.mu.Lock()
			fn := end.onOpen
			end.mu.Unlock()
			if fn != nil {
				fn(end.other.self)
			}
		}
	}
}

// disconnect marks both ends disconnected and fires peer-remove on each.
func (l *linkedTransport) disconnect() {
	for _, end := range []*linkedTransport{l, l.other} {
		end.mu.Lock()
		end.connected = false
		end.mu.Unlock()
	}
	for _, end := range []*linkedTransport{l, l.other} {
		end := end
		end.queue <- func() {
			end.mu.Lock()
			fn := end.onRemove
			end.mu.Unlock()
			if fn != nil {
				fn(end.other.self)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// TCP helpers
// ---------------------------------------------------------------------------

// startTarget starts a TCP server and hands every accepted connection to the
// returned channel. The listener is closed when the test ends.
func startTarget(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	conns := make(chan net.Conn, 64)
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			t.Cleanup(func() { conn.Close() })
			conns <- conn
		}
	}()
	return l.Addr().String(), conns
}

// startEchoServer starts a TCP echo server. Returns the address it listens on.
func startEchoServer(t *testing.T) string {
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
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// closedAddr returns a loopback address nothing listens on.
func closedAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

func acceptOne(t *testing.T, conns <-chan net.Conn) net.Conn {
	t.Helper()
	select {
	case c := <-conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("target never received a connection")
		return nil
	}
}

// expectClosed asserts that the peer of conn closes it within the timeout.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			t.Fatal("connection was not closed")
		}
		return
	}
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}
