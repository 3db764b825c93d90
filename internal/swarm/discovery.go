package swarm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/betamos/zeroconf"
	"github.com/jpillora/backoff"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/util"
)

const (
	mdnsMaxFailures = 5 // consecutive failures before an mDNS-found address is dropped

	txtTopic = "topic="
	txtKey   = "key="
)

func newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    30 * time.Second,
		Factor: 2,
		Jitter: true,
	}
}

// startDiscoveryLocked starts what t.opts asks for: bootstrap dialers and
// mDNS. Requires n.mu and a ready node.
func (n *Node) startDiscoveryLocked(t *topic) {
	if !t.opts.Announce && !t.opts.Lookup {
		return
	}
	ctx, stop := context.WithCancel(n.ctx)
	t.stop = stop

	if t.opts.Lookup {
		for _, addr := range n.cfg.Bootstrap {
			n.watchLocked(ctx, addr, t.key, 0)
		}
	}

	if n.cfg.MDNS {
		client, err := n.openMDNS(ctx, t)
		if err != nil {
			n.report(fmt.Errorf("swarm: mDNS for topic %s: %w", t.key.Short(), err))
			return
		}
		t.mdns = client
	}
}

func (n *Node) stopDiscoveryLocked(t *topic) {
	if t.stop != nil {
		t.stop()
		t.stop = nil
	}
	if t.mdns != nil {
		t.mdns.Close()
		t.mdns = nil
	}
}

// watchLocked keeps a link to addr for topicKey, redialing with backoff after
// every failure or loss. maxFailures > 0 gives up after that many failures
// in a row. Requires n.mu.
func (n *Node) watchLocked(ctx context.Context, addr string, topicKey keys.Key, maxFailures int) {
	t := n.topicLocked(topicKey)
	if owner, ok := t.watching[addr]; ok && owner == ctx {
		return
	}
	t.watching[addr] = ctx

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			if t.watching[addr] == ctx {
				delete(t.watching, addr)
			}
			n.mu.Unlock()
		}()

		b := newBackoff()
		for {
			p, err := n.connect(ctx, addr, topicKey)
			switch {
			case errors.Is(err, errSelfLink):
				util.LogDebug("swarm: %s is this node, not dialing again", addr)
				return
			case p != nil:
				b.Reset()
				select {
				case <-p.done:
					util.LogDebug("swarm: lost %s for topic %s, redialing", addr, topicKey.Short())
				case <-ctx.Done():
					return
				}
			default:
				util.LogDebug("swarm: dial %s failed (attempt %d): %v", addr, int(b.Attempt())+1, err)
				if maxFailures > 0 && int(b.Attempt())+1 >= maxFailures {
					util.LogDebug("swarm: giving up on %s", addr)
					return
				}
			}

			select {
			case <-time.After(b.Duration()):
			case <-ctx.Done():
				return
			}
		}
	}()
}

// serviceName is unique per node and topic within the mDNS domain.
func serviceName(node, topic keys.Key) string {
	return fmt.Sprintf("hyproxy-%x-%x", node[:4], topic[:4])
}

// openMDNS publishes the node for an announced topic and browses for
// announcers of a looked-up topic.
func (n *Node) openMDNS(ctx context.Context, t *topic) (*zeroconf.Client, error) {
	typ := zeroconf.NewType(n.links.serviceType())
	_, portStr, err := net.SplitHostPort(n.addr.String())
	if err != nil {
		return nil, err
	}
	p, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}

	client := zeroconf.New()
	if t.opts.Announce {
		svc := zeroconf.NewService(typ, serviceName(n.id.key, t.key), uint16(p))
		svc.Text = []string{txtTopic + t.key.String(), txtKey + n.id.key.String()}
		client = client.Publish(svc)
	}
	if t.opts.Lookup {
		topicKey := t.key
		client = client.Browse(func(e zeroconf.Event) {
			if e.Op != zeroconf.OpAdded {
				return
			}
			// Off the zeroconf goroutine: onService takes n.mu, which is held
			// while clients are opened and closed.
			go n.onService(ctx, topicKey, e.Service)
		}, typ)
	}
	return client.Open()
}

// onService dials an announcer found by mDNS unless it is this node or
// already linked for the topic.
func (n *Node) onService(ctx context.Context, topicKey keys.Key, svc *zeroconf.Service) {
	adTopic, adKey, ok := parseTXT(svc.Text)
	if !ok || adTopic != topicKey || adKey == n.id.key {
		return
	}
	addr, ok := pickAddr(svc.Addrs, svc.Port)
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || ctx.Err() != nil {
		return
	}
	if t, ok := n.topics[topicKey]; ok {
		if _, linked := t.peers[adKey]; linked {
			return
		}
	}
	util.LogDebug("swarm: mDNS found %s at %s for topic %s", adKey.Short(), addr, topicKey.Short())
	n.watchLocked(ctx, addr, topicKey, mdnsMaxFailures)
}

func parseTXT(txt []string) (topic, key keys.Key, ok bool) {
	var haveTopic, haveKey bool
	for _, entry := range txt {
		var err error
		switch {
		case strings.HasPrefix(entry, txtTopic):
			topic, err = keys.Parse(strings.TrimPrefix(entry, txtTopic))
			haveTopic = err == nil
		case strings.HasPrefix(entry, txtKey):
			key, err = keys.Parse(strings.TrimPrefix(entry, txtKey))
			haveKey = err == nil
		}
	}
	return topic, key, haveTopic && haveKey
}

// pickAddr prefers an IPv4 address of the service.
func pickAddr(addrs []netip.Addr, port uint16) (string, bool) {
	var chosen netip.Addr
	for _, a := range addrs {
		if !a.IsValid() {
			continue
		}
		if a.Is4() {
			chosen = a
			break
		}
		if !chosen.IsValid() {
			chosen = a
		}
	}
	if !chosen.IsValid() {
		return "", false
	}
	return net.JoinHostPort(chosen.String(), strconv.Itoa(int(port))), true
}
