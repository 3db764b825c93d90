package swarm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/hyproxy/internal/keys"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

// recorder captures the events of one channel.
type recorder struct {
	mu      sync.Mutex
	opens   []keys.Key
	removes []keys.Key
	msgs    []string
	from    []keys.Key
}

func record(ch *Channel) *recorder {
	r := &recorder{}
	ch.OnMessage(func(peer keys.Key, msg []byte) {
		r.mu.Lock()
		r.msgs = append(r.msgs, string(msg))
		r.from = append(r.from, peer)
		r.mu.Unlock()
	})
	ch.OnPeerOpen(func(peer keys.Key) {
		r.mu.Lock()
		r.opens = append(r.opens, peer)
		r.mu.Unlock()
	})
	ch.OnPeerRemove(func(peer keys.Key) {
		r.mu.Lock()
		r.removes = append(r.removes, peer)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) opened(peer keys.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.opens {
		if p == peer {
			return true
		}
	}
	return false
}

func (r *recorder) removed(peer keys.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.removes {
		if p == peer {
			return true
		}
	}
	return false
}

func (r *recorder) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func newTestNode(t *testing.T, bootstrap ...string) *Node {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	n, err := New(priv, Config{Addr: "127.0.0.1:0", Bootstrap: bootstrap})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Ready(context.Background()))
	return n
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(ed25519.PrivateKey{1, 2, 3}, Config{})
	assert.Error(t, err)

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = New(priv, Config{Transport: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestIdentityIsPublicKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	n, err := New(priv, Config{})
	require.NoError(t, err)
	defer n.Close()

	id := n.Identity()
	assert.Equal(t, []byte(pub), id[:])
	assert.Nil(t, n.Addr())
}

func TestQUICChannelsExchangeMessages(t *testing.T) {
	topicKey := fillKey(0x42)

	server := newTestNode(t)
	require.NoError(t, server.Configure(topicKey, DiscoveryOptions{Announce: true}))
	serverCh := record(server.Channel(topicKey, "test"))

	client := newTestNode(t, server.Addr().String())
	clientCh := client.Channel(topicKey, "test")
	clientRec := record(clientCh)
	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{Lookup: true}))

	require.Eventually(t, func() bool {
		return clientRec.opened(server.Identity()) && serverCh.opened(client.Identity())
	}, waitFor, tick)

	require.NoError(t, clientCh.Send(server.Identity(), []byte("ping")))
	require.NoError(t, server.Channel(topicKey, "test").Send(client.Identity(), []byte("pong")))

	require.Eventually(t, func() bool { return len(serverCh.messages()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(clientRec.messages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"ping"}, serverCh.messages())
	assert.Equal(t, []string{"pong"}, clientRec.messages())

	serverCh.mu.Lock()
	assert.Equal(t, client.Identity(), serverCh.from[0])
	serverCh.mu.Unlock()
}

func TestQUICPreservesOrder(t *testing.T) {
	topicKey := fillKey(0x43)

	server := newTestNode(t)
	require.NoError(t, server.Configure(topicKey, DiscoveryOptions{Announce: true}))
	serverRec := record(server.Channel(topicKey, "test"))

	client := newTestNode(t, server.Addr().String())
	clientCh := client.Channel(topicKey, "test")
	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{Lookup: true}))
	require.Eventually(t, func() bool { return serverRec.opened(client.Identity()) }, waitFor, tick)

	const count = 500
	want := make([]string, count)
	for i := range want {
		want[i] = fmt.Sprintf("msg-%d", i)
		require.NoError(t, clientCh.Broadcast([]byte(want[i])))
	}

	require.Eventually(t, func() bool { return len(serverRec.messages()) == count }, waitFor, tick)
	assert.Equal(t, want, serverRec.messages())
}

func TestQUICChannelsAreSeparatedByName(t *testing.T) {
	topicKey := fillKey(0x44)

	server := newTestNode(t)
	require.NoError(t, server.Configure(topicKey, DiscoveryOptions{Announce: true}))
	a := record(server.Channel(topicKey, "a"))
	b := record(server.Channel(topicKey, "b"))

	client := newTestNode(t, server.Addr().String())
	clientA := client.Channel(topicKey, "a")
	clientB := client.Channel(topicKey, "b")
	clientC := client.Channel(topicKey, "unknown-to-server")
	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{Lookup: true}))
	require.Eventually(t, func() bool { return a.opened(client.Identity()) && b.opened(client.Identity()) }, waitFor, tick)

	require.NoError(t, clientC.Send(server.Identity(), []byte("dropped")))
	require.NoError(t, clientA.Send(server.Identity(), []byte("to-a")))
	require.NoError(t, clientB.Send(server.Identity(), []byte("to-b")))

	require.Eventually(t, func() bool { return len(a.messages()) == 1 && len(b.messages()) == 1 }, waitFor, tick)
	assert.Equal(t, []string{"to-a"}, a.messages())
	assert.Equal(t, []string{"to-b"}, b.messages())
}

func TestQUICPeerRemoveOnClose(t *testing.T) {
	topicKey := fillKey(0x45)

	server := newTestNode(t)
	require.NoError(t, server.Configure(topicKey, DiscoveryOptions{Announce: true}))
	server.Channel(topicKey, "test")

	client := newTestNode(t, server.Addr().String())
	clientCh := client.Channel(topicKey, "test")
	rec := record(clientCh)
	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{Lookup: true}))
	require.Eventually(t, func() bool { return rec.opened(server.Identity()) }, waitFor, tick)

	require.NoError(t, server.Close())

	require.Eventually(t, func() bool { return rec.removed(server.Identity()) }, waitFor, tick)
	assert.Empty(t, clientCh.Peers())
	assert.Error(t, clientCh.Send(server.Identity(), []byte("gone")))
}

func TestQUICLeaveClosesLinks(t *testing.T) {
	topicKey := fillKey(0x46)

	server := newTestNode(t)
	require.NoError(t, server.Configure(topicKey, DiscoveryOptions{Announce: true}))
	serverRec := record(server.Channel(topicKey, "test"))

	client := newTestNode(t, server.Addr().String())
	client.Channel(topicKey, "test")
	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{Lookup: true}))
	require.Eventually(t, func() bool { return serverRec.opened(client.Identity()) }, waitFor, tick)

	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{}))
	require.Eventually(t, func() bool { return serverRec.removed(client.Identity()) }, waitFor, tick)
}

func TestQUICRejectsUnannouncedTopic(t *testing.T) {
	announced, other := fillKey(0x47), fillKey(0x48)

	server := newTestNode(t)
	require.NoError(t, server.Configure(announced, DiscoveryOptions{Announce: true}))
	serverRec := record(server.Channel(other, "test"))

	client := newTestNode(t, server.Addr().String())
	clientRec := record(client.Channel(other, "test"))
	require.NoError(t, client.Configure(other, DiscoveryOptions{Lookup: true}))

	time.Sleep(500 * time.Millisecond)
	assert.False(t, clientRec.opened(server.Identity()))
	assert.False(t, serverRec.opened(client.Identity()))
}

func TestQUICSkipsSelfLink(t *testing.T) {
	topicKey := fillKey(0x49)

	n := newTestNode(t)
	n.cfg.Bootstrap = []string{n.Addr().String()}
	ch := n.Channel(topicKey, "test")
	rec := record(ch)
	require.NoError(t, n.Configure(topicKey, DiscoveryOptions{Announce: true, Lookup: true}))

	time.Sleep(500 * time.Millisecond)
	assert.Empty(t, ch.Peers())
	rec.mu.Lock()
	assert.Empty(t, rec.opens)
	rec.mu.Unlock()
}

func TestOnPeerOpenReplaysLinkedPeers(t *testing.T) {
	topicKey := fillKey(0x4a)

	server := newTestNode(t)
	require.NoError(t, server.Configure(topicKey, DiscoveryOptions{Announce: true}))
	serverCh := server.Channel(topicKey, "test")

	client := newTestNode(t, server.Addr().String())
	client.Channel(topicKey, "test")
	require.NoError(t, client.Configure(topicKey, DiscoveryOptions{Lookup: true}))
	require.Eventually(t, func() bool { return len(serverCh.Peers()) == 1 }, waitFor, tick)

	late := record(serverCh)
	assert.True(t, late.opened(client.Identity()))
}
