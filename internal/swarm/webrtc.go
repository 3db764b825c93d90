package swarm

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
	recvBufferSize = 256        // incoming message channel capacity
)

// DefaultSTUN are the ICE servers used when Config.STUN is nil. No TURN: links
// need direct connectivity after signaling.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newAPI builds the pion API every PeerConnection of a transport shares.
func newAPI(loopback bool) *webrtc.API {
	var se webrtc.SettingEngine
	se.SetIncludeLoopbackCandidate(loopback)
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func newPeerConnection(api *webrtc.API, stun []string) (*webrtc.PeerConnection, error) {
	var config webrtc.Configuration
	if len(stun) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return api.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated DataChannel (ID 0) both sides
// open independently. It is ordered: the relay needs CONNECT, DATA and CLOSE
// of a channel to arrive in send order.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("hyproxy", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

// rtcLink wraps a single PeerConnection + DataChannel pair.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time.
type rtcLink struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}
	inbox      chan []byte
	addr       string

	ctx    context.Context
	cancel context.CancelFunc
}

func newRTCLink(ctx context.Context, api *webrtc.API, stun []string, addr string) (*rtcLink, error) {
	pc, err := newPeerConnection(api, stun)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	lCtx, lCancel := context.WithCancel(ctx)

	l := &rtcLink{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		inbox:      make(chan []byte, recvBufferSize),
		addr:       addr,
		ctx:        lCtx,
		cancel:     lCancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(l.openSignal) })
	})

	dc.OnClose(func() {
		util.LogDebug("webrtc: DataChannel to %s closed", addr)
		lCancel()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		select {
		case l.inbox <- data:
		case <-lCtx.Done():
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("webrtc: PeerConnection to %s: %s", addr, state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			lCancel()
		}
	})

	l.sender = newSender(lCtx, lCancel, dc, l.openSignal)

	return l, nil
}

// ready is closed once the DataChannel is open.
func (l *rtcLink) ready() <-chan struct{} {
	return l.openSignal
}

func (l *rtcLink) send(msg []byte) error {
	if len(msg) > maxMessageSize {
		return errMessageTooLarge
	}
	return l.sender.send(l.ctx, msg)
}

func (l *rtcLink) recv() ([]byte, error) {
	select {
	case msg := <-l.inbox:
		return msg, nil
	case <-l.ctx.Done():
		return nil, errLinkClosed
	}
}

// remoteKey is never proven by the DataChannel itself; the hello is trusted.
func (l *rtcLink) remoteKey() (keys.Key, bool) {
	return keys.Key{}, false
}

func (l *rtcLink) remoteAddr() string {
	return l.addr
}

func (l *rtcLink) close() error {
	l.cancel()
	return errors.Join(l.dc.Close(), l.pc.Close())
}

// sender is a goroutine-based message writer that serializes all writes to a
// single DataChannel, adding open-gate and backpressure control.
type sender struct {
	inbox       chan []byte
	drainSignal chan struct{}
}

// newSender creates a sender, wires the backpressure callbacks on dc, and
// starts the background loop. The loop exits when ctx is cancelled and
// calls fail when the DataChannel rejects a write.
func newSender(ctx context.Context, fail context.CancelFunc, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{
		inbox:       make(chan []byte, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, fail, dc, openSignal)

	return s
}

func (s *sender) loop(ctx context.Context, fail context.CancelFunc, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case msg := <-s.inbox:
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}

			if err := dc.Send(msg); err != nil {
				util.LogDebug("webrtc: send of %d bytes failed: %v", len(msg), err)
				fail()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// send enqueues msg for transmission. It blocks while the buffer is full and
// fails once ctx is cancelled.
func (s *sender) send(ctx context.Context, msg []byte) error {
	if ctx.Err() != nil {
		return errLinkClosed
	}
	select {
	case s.inbox <- msg:
		return nil
	case <-ctx.Done():
		return errLinkClosed
	}
}
