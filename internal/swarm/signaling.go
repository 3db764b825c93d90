package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/hyproxy/internal/util"
)

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// webrtcTransport signals over a WebSocket endpoint at /ws, then carries
// link messages on a DataChannel.
type webrtcTransport struct {
	api  *webrtc.API
	stun []string

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
}

func newWebRTCTransport(stun []string, loopback bool) *webrtcTransport {
	if stun == nil {
		stun = DefaultSTUN
	}
	return &webrtcTransport{api: newAPI(loopback), stun: stun}
}

func (t *webrtcTransport) serviceType() string { return "_hyproxy._tcp" }

func (t *webrtcTransport) listen(ctx context.Context, addr string, accept func(link), fail func(error)) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start WS server: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go t.answer(ctx, conn, accept)
	})
	server := &http.Server{Handler: mux}

	t.mu.Lock()
	t.listener = listener
	t.server = server
	t.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fail(fmt.Errorf("webrtc: signaling server on %s failed: %w", listener.Addr(), err))
		}
	}()

	return listener.Addr(), nil
}

// answer completes signaling for one incoming WebSocket and hands the open
// link to accept.
func (t *webrtcTransport) answer(ctx context.Context, ws *websocket.Conn, accept func(link)) {
	defer ws.Close()
	remote := ws.RemoteAddr().String()

	l, err := newRTCLink(ctx, t.api, t.stun, remote)
	if err != nil {
		util.LogDebug("webrtc: failed to create link for %s: %v", remote, err)
		return
	}
	if err := exchange(ctx, ws, l, false); err != nil {
		util.LogDebug("webrtc: signaling with %s failed: %v", remote, err)
		l.close()
		return
	}
	accept(l)
}

func (t *webrtcTransport) dial(ctx context.Context, addr string) (link, error) {
	url := fmt.Sprintf("ws://%s/ws", addr)
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WS server: %w", err)
	}
	defer ws.Close()

	// The link outlives the dial context.
	l, err := newRTCLink(context.WithoutCancel(ctx), t.api, t.stun, addr)
	if err != nil {
		return nil, err
	}
	if err := exchange(ctx, ws, l, true); err != nil {
		l.close()
		return nil, fmt.Errorf("signaling failed: %w", err)
	}
	return l, nil
}

func (t *webrtcTransport) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.server == nil {
		return nil
	}
	return t.server.Close()
}

// exchange performs the SDP/ICE exchange over ws and blocks until the
// DataChannel opens, signaling fails or ctx is cancelled. The offerer sends
// the offer; the other side answers. Candidates are trickled both ways.
func exchange(ctx context.Context, ws *websocket.Conn, l *rtcLink, offerer bool) error {
	var wsMu sync.Mutex
	wsSend := func(msg message) {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := ws.WriteJSON(msg); err != nil {
			// If WS closed because the DataChannel already opened, that's fine.
			select {
			case <-l.ready():
			default:
				util.LogDebug("webrtc: WS send failed: %v", err)
			}
		}
	}

	// setLocal applies and sends a local description while holding wsMu, so
	// no trickled candidate overtakes it on the wire.
	setLocal := func(sdp webrtc.SessionDescription, typ messageType) error {
		wsMu.Lock()
		defer wsMu.Unlock()
		if err := l.pc.SetLocalDescription(sdp); err != nil {
			return fmt.Errorf("SetLocalDescription: %w", err)
		}
		return ws.WriteJSON(message{Type: typ, SDP: sdp.SDP})
	}

	l.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, _ := json.Marshal(c.ToJSON())
		wsSend(message{Type: msgTypeCandidate, Candidate: string(data)})
	})

	if offerer {
		offer, err := l.pc.CreateOffer(nil)
		if err != nil {
			return fmt.Errorf("CreateOffer: %w", err)
		}
		if err := setLocal(offer, msgTypeOffer); err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- readSignals(ws, l, setLocal)
	}()

	select {
	case <-l.ready():
		return nil
	case err := <-errCh:
		select {
		case <-l.ready():
			return nil
		default:
			return fmt.Errorf("WS read error: %w", err)
		}
	case <-l.ctx.Done():
		return errLinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readSignals applies remote descriptions and candidates until ws fails.
func readSignals(ws *websocket.Conn, l *rtcLink, setLocal func(webrtc.SessionDescription, messageType) error) error {
	for {
		var msg message
		if err := ws.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.Type {
		case msgTypeOffer:
			if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer,
				SDP:  msg.SDP,
			}); err != nil {
				return fmt.Errorf("SetRemoteDescription: %w", err)
			}
			answer, err := l.pc.CreateAnswer(nil)
			if err != nil {
				return fmt.Errorf("CreateAnswer: %w", err)
			}
			if err := setLocal(answer, msgTypeAnswer); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer,
				SDP:  msg.SDP,
			}); err != nil {
				return fmt.Errorf("SetRemoteDescription: %w", err)
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				continue
			}
			if err := l.pc.AddICECandidate(init); err != nil {
				util.LogDebug("webrtc: AddICECandidate failed: %v", err)
			}

		default:
			return errors.New("unexpected signaling message " + string(msg.Type))
		}
	}
}
