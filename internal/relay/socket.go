package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize = 16 * 1024       // 16 KB per DATA frame payload
	drainTimeout   = 5 * time.Second // bound on flushing queued writes before a close
)

var (
	errRemoteClosed  = errors.New("remote socket closed")
	errPeerLost      = errors.New("lost remote connection")
	errRelayShutdown = errors.New("relay shut down")
)

// state is the lifecycle of one channel as seen by the relay loop.
type state int

const (
	stateIdle      state = iota // CONNECT sent/received, no local conn yet
	stateConnected              // local conn attached and relaying
	stateClosed                 // torn down; never leaves this state
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateConnected:
		return "connected"
	default:
		return "closed"
	}
}

// socket is the local TCP end of one channel.
//
// state, remoteClosed and conn are owned by the relay loop. The write queue
// is shared with the writer goroutine under mu.
type socket struct {
	// Identity
	peer  keys.Key
	id    uint32
	label string

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Loop-owned
	state        state
	remoteClosed bool
	conn         net.Conn

	// Write queue
	mu       sync.Mutex
	queue    [][]byte
	draining bool
	drainErr error
	wake     chan struct{}
}

func newSocket(parent context.Context, peer keys.Key, id uint32) *socket {
	ctx, cancel := context.WithCancel(parent)
	return &socket{
		peer:   peer,
		id:     id,
		label:  util.Channel(peer[:], id),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
	}
}

// connect attaches the local conn and starts the reader and writer
// goroutines. onData and onClosed are called from the reader goroutine.
func (s *socket) connect(conn net.Conn, onData func([]byte), onClosed func(error)) {
	s.conn = conn
	if s.state == stateClosed {
		// Remotely closed while dialing: only flush what was queued.
		conn.SetWriteDeadline(time.Now().Add(drainTimeout))
	} else {
		s.state = stateConnected
	}
	go s.readLoop(onData, onClosed)
	go s.writeLoop()
}

// write queues p for the local conn. Writes queued while idle are flushed,
// in order, once the conn is attached.
func (s *socket) write(p []byte) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()
	s.signal()
}

// finish closes the socket after the queued writes are flushed, bounded by
// drainTimeout. An idle socket with nothing queued is destroyed at once,
// which also cancels its pending dial.
func (s *socket) finish(err error) {
	s.state = stateClosed

	s.mu.Lock()
	s.draining = true
	s.drainErr = err
	empty := len(s.queue) == 0
	s.mu.Unlock()

	if s.conn == nil {
		if empty {
			s.destroy(err)
		}
		return
	}
	s.conn.SetWriteDeadline(time.Now().Add(drainTimeout))
	s.signal()
}

// destroy closes the socket immediately, discarding queued writes. Safe to
// call from any goroutine, any number of times.
func (s *socket) destroy(err error) {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.conn != nil {
			s.conn.Close()
		}
		if err != nil && !errors.Is(err, errRemoteClosed) {
			util.LogDebug("%s socket destroyed: %v", s.label, err)
		}
	})
}

func (s *socket) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// readLoop forwards local reads as payload chunks until the conn fails.
func (s *socket) readLoop(onData func([]byte), onClosed func(error)) {
	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.conn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			onData(payload)
		}

		if err != nil {
			onClosed(err)
			return
		}
	}
}

// writeLoop drains the write queue into the local conn in order.
func (s *socket) writeLoop() {
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		draining, drainErr := s.draining, s.drainErr
		s.mu.Unlock()

		if len(batch) == 0 {
			if draining {
				s.destroy(drainErr)
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.ctx.Done():
				return
			}
		}

		for _, p := range batch {
			if _, err := s.conn.Write(p); err != nil {
				select {
				case <-s.ctx.Done():
				default:
					util.LogDebug("%s TCP write error: %v", s.label, err)
				}
				s.destroy(err)
				return
			}
		}
	}
}
