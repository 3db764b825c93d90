package relay

import (
	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/protocol"
)

// Policy picks the peer a new local connection is relayed through from the
// authorized peers, listed in the order they acknowledged discovery. It
// returns false when no peer should be used.
type Policy func(peers []keys.Key) (keys.Key, bool)

// FirstAvailable selects the earliest authorized peer. It makes no fairness
// guarantee; every connection goes to the same peer while it stays connected.
func FirstAvailable(peers []keys.Key) (keys.Key, bool) {
	if len(peers) == 0 {
		return keys.Key{}, false
	}
	return peers[0], true
}

// authorizedSet holds peers that answered DISCOVER with ACK, in ACK order.
//
// Any peer that answers becomes eligible; responders are not authenticated.
type authorizedSet struct {
	order   []keys.Key
	members map[keys.Key]struct{}
}

func newAuthorizedSet() *authorizedSet {
	return &authorizedSet{members: make(map[keys.Key]struct{})}
}

// add inserts peer and reports whether it was new.
func (a *authorizedSet) add(peer keys.Key) bool {
	if _, ok := a.members[peer]; ok {
		return false
	}
	a.members[peer] = struct{}{}
	a.order = append(a.order, peer)
	return true
}

// remove deletes peer and reports whether it was a member.
func (a *authorizedSet) remove(peer keys.Key) bool {
	if _, ok := a.members[peer]; !ok {
		return false
	}
	delete(a.members, peer)
	for i, p := range a.order {
		if p == peer {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return true
}

func (a *authorizedSet) has(peer keys.Key) bool {
	_, ok := a.members[peer]
	return ok
}

// list returns a copy of the members in ACK order.
func (a *authorizedSet) list() []keys.Key {
	return append([]keys.Key(nil), a.order...)
}

func (a *authorizedSet) len() int {
	return len(a.order)
}

// discoverFrame and ackFrame are the connectionless handshake messages.
var (
	discoverFrame = protocol.Encode(&protocol.Frame{ID: protocol.ControlID, Type: protocol.TypeDiscover})
	ackFrame      = protocol.Encode(&protocol.Frame{ID: protocol.ControlID, Type: protocol.TypeAck})
)
