// Package relay multiplexes local TCP connections over one named peer
// channel. An Outbound relay owns a local listener and opens a channel per
// accepted connection; an Inbound relay answers channel-open requests by
// dialing a fixed target.
//
// Relays depend only on the Sink and Source capabilities below, never on a
// concrete transport.
package relay

import "github.com/1ureka/hyproxy/internal/keys"

// Sink delivers messages to peers.
//
// Implementations must deliver messages for one peer in the order they were
// sent (FIFO per peer): a channel's DATA frames and its CLOSE are only
// meaningful in send order. No ordering across peers is assumed.
type Sink interface {
	Send(peer keys.Key, msg []byte) error
	Broadcast(msg []byte) error
}

// Source reports inbound messages and the lifecycle of peers. Each On*
// call replaces the previously registered callback.
type Source interface {
	OnMessage(fn func(peer keys.Key, msg []byte))
	OnPeerOpen(fn func(peer keys.Key))
	OnPeerRemove(fn func(peer keys.Key))
}
