// Package proxy exposes local TCP services over the swarm and reaches them
// from other machines by key.
//
// An inbound endpoint announces a key and forwards every relayed connection
// to a fixed local host:port. An outbound endpoint looks the key up and
// listens on a local port; each accepted connection is relayed to a peer that
// announced the key.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/1ureka/hyproxy/internal/keys"
	"github.com/1ureka/hyproxy/internal/relay"
	"github.com/1ureka/hyproxy/internal/store"
	"github.com/1ureka/hyproxy/internal/swarm"
	"github.com/1ureka/hyproxy/internal/util"
)

const (
	// Namespace prefixes derived inbound key names.
	Namespace = "hypercore-tcp-proxy"
	// ChannelName is the swarm channel the relays exchange frames on.
	ChannelName = Namespace + ":extension"

	DefaultHost = "localhost"
)

var (
	ErrKeyRequired  = errors.New("proxy: key is required")
	ErrPortRequired = errors.New("proxy: port is required")
	ErrClosed       = errors.New("proxy: closed")
)

// Options configure a Proxy.
type Options struct {
	// Storage is the key store directory. Empty keeps keys in memory.
	Storage string
	Swarm   swarm.Config

	// Relay options are applied to every relay, before the proxy's own.
	Relay []relay.Option
}

// Proxy owns one key store and one swarm node shared by all its endpoints.
type Proxy struct {
	opts  Options
	store *store.Store

	openOnce sync.Once
	openErr  error
	node     *swarm.Node

	mu        sync.Mutex
	handlers  []func(error)
	endpoints []*Endpoint
	closed    bool
	err       error
	done      chan struct{}
	doneOnce  sync.Once
	forwardWG sync.WaitGroup
}

// New creates a Proxy. Nothing touches the disk or network until Open.
func New(opts Options) *Proxy {
	return &Proxy{
		opts:  opts,
		store: store.New(opts.Storage),
		done:  make(chan struct{}),
	}
}

// Open loads the key store and starts the swarm node. It runs once; every
// call returns the first result. Endpoint constructors call it themselves.
func (p *Proxy) Open(ctx context.Context) error {
	p.openOnce.Do(func() {
		p.openErr = p.open(ctx)
	})
	return p.openErr
}

func (p *Proxy) open(ctx context.Context) error {
	if err := p.store.Ready(ctx); err != nil {
		return err
	}
	priv, err := p.store.NodeKey()
	if err != nil {
		return err
	}
	node, err := swarm.New(priv, p.opts.Swarm)
	if err != nil {
		return err
	}
	if err := node.Ready(ctx); err != nil {
		node.Close()
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		node.Close()
		return ErrClosed
	}
	p.node = node
	p.forwardWG.Add(1)
	p.mu.Unlock()

	go p.forwardErrors(node)
	util.LogDebug("proxy: node %s ready on %s", node.Identity().Short(), node.Addr())
	return nil
}

func (p *Proxy) forwardErrors(node *swarm.Node) {
	defer p.forwardWG.Done()
	for {
		select {
		case err := <-node.Errors():
			p.fail(err)
		case <-p.done:
			return
		}
	}
}

// Node returns the swarm node, or nil before Open.
func (p *Proxy) Node() *swarm.Node {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// OnError registers a handler for asynchronous errors. Once a handler is
// registered, errors are no longer fatal to the proxy.
func (p *Proxy) OnError(fn func(error)) {
	p.mu.Lock()
	p.handlers = append(p.handlers, fn)
	p.mu.Unlock()
}

// Done is closed when the proxy stops: on Close, or on an asynchronous error
// no handler observed.
func (p *Proxy) Done() <-chan struct{} {
	return p.done
}

// Err returns the error that stopped the proxy, if any.
func (p *Proxy) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Proxy) fail(err error) {
	p.mu.Lock()
	handlers := slices.Clone(p.handlers)
	if len(handlers) == 0 && p.err == nil && !p.closed {
		p.err = err
	}
	p.mu.Unlock()

	if len(handlers) == 0 {
		util.LogError("%v", err)
		p.stop()
		return
	}
	for _, fn := range handlers {
		fn(err)
	}
}

func (p *Proxy) stop() {
	p.doneOnce.Do(func() { close(p.done) })
}

// Outbound listens on host:port and relays every accepted connection to a
// peer announcing key. Port 0 picks a free fallback port.
func (p *Proxy) Outbound(ctx context.Context, key keys.Key, port int, host string) (*Endpoint, error) {
	if key.IsZero() {
		return nil, ErrKeyRequired
	}
	if host == "" {
		host = DefaultHost
	}
	if err := p.Open(ctx); err != nil {
		return nil, err
	}

	topic := key.DiscoveryKey()
	ch := p.node.Channel(topic, ChannelName)
	r := relay.NewOutbound(ch, ch, host, port, p.relayOptions()...)
	if err := r.Listen(); err != nil {
		return nil, err
	}

	e := p.start(key, topic, r, r.Run)
	e.Host = r.Host()
	e.Port = r.Port()
	if err := p.node.Configure(topic, swarm.DiscoveryOptions{Lookup: true}); err != nil {
		e.Close()
		return nil, err
	}

	util.LogDebug("proxy: outbound %s listening on %s", key.Short(), r.Addr())
	return e, nil
}

// Inbound announces key and forwards relayed connections to host:port. A zero
// key is derived from the key store, so the same host and port keep the same
// key across restarts of a persistent store.
func (p *Proxy) Inbound(ctx context.Context, key keys.Key, port int, host string) (*Endpoint, error) {
	if port == 0 {
		return nil, ErrPortRequired
	}
	if host == "" {
		host = DefaultHost
	}
	if err := p.Open(ctx); err != nil {
		return nil, err
	}
	if key.IsZero() {
		derived, err := p.store.Namespace(InboundKeyName(host, port))
		if err != nil {
			return nil, err
		}
		key = derived
	}

	topic := key.DiscoveryKey()
	ch := p.node.Channel(topic, ChannelName)
	target := net.JoinHostPort(host, strconv.Itoa(port))
	r := relay.NewInbound(ch, ch, target, p.relayOptions()...)

	e := p.start(key, topic, r, r.Run)
	e.Host = host
	e.Port = port
	if err := p.node.Configure(topic, swarm.DiscoveryOptions{Announce: true}); err != nil {
		e.Close()
		return nil, err
	}

	util.LogDebug("proxy: inbound %s forwarding to %s", key.Short(), r.Target())
	return e, nil
}

// InboundKeyName is the key store name an inbound key is derived from.
func InboundKeyName(host string, port int) string {
	return Namespace + ":" + host + ":" + strconv.Itoa(port)
}

func (p *Proxy) relayOptions() []relay.Option {
	opts := append([]relay.Option(nil), p.opts.Relay...)
	return append(opts, relay.WithErrorHandler(p.fail))
}

// relayRunner is what Endpoint needs from a relay.
type relayRunner interface {
	ChannelCount(ctx context.Context) (int, error)
}

func (p *Proxy) start(key, topic keys.Key, r relayRunner, run func(context.Context) error) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Endpoint{
		Key:    key,
		proxy:  p,
		topic:  topic,
		relay:  r,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		if err := run(ctx); err != nil {
			p.fail(fmt.Errorf("proxy: relay for %s: %w", key.Short(), err))
		}
	}()

	p.mu.Lock()
	p.endpoints = append(p.endpoints, e)
	p.mu.Unlock()
	return e
}

func (p *Proxy) remove(e *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.endpoints {
		if other == e {
			p.endpoints = append(p.endpoints[:i], p.endpoints[i+1:]...)
			return
		}
	}
}

// Close stops every endpoint and the swarm node.
func (p *Proxy) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	endpoints := append([]*Endpoint(nil), p.endpoints...)
	node := p.node
	p.mu.Unlock()

	var errs []error
	for _, e := range endpoints {
		errs = append(errs, e.Close())
	}
	if node != nil {
		errs = append(errs, node.Close())
	}
	p.stop()
	p.forwardWG.Wait()
	return errors.Join(errs...)
}

// Endpoint is one running relay.
type Endpoint struct {
	Key  keys.Key
	Host string
	Port int

	proxy  *Proxy
	topic  keys.Key
	relay  relayRunner
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close stops the relay, destroying its connections, and leaves the topic.
func (e *Endpoint) Close() error {
	var err error
	e.once.Do(func() {
		e.cancel()
		<-e.done
		if node := e.proxy.Node(); node != nil {
			if cerr := node.Configure(e.topic, swarm.DiscoveryOptions{}); cerr != nil && !errors.Is(cerr, swarm.ErrClosed) {
				err = cerr
			}
		}
		e.proxy.remove(e)
	})
	return err
}

// Channels returns the number of live relayed connections.
func (e *Endpoint) Channels(ctx context.Context) (int, error) {
	return e.relay.ChannelCount(ctx)
}

// Peers returns the peers an outbound endpoint may relay through. Inbound
// endpoints have none.
func (e *Endpoint) Peers(ctx context.Context) ([]keys.Key, error) {
	lister, ok := e.relay.(interface {
		Peers(ctx context.Context) ([]keys.Key, error)
	})
	if !ok {
		return nil, nil
	}
	return lister.Peers(ctx)
}
