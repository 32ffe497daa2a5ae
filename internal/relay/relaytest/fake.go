// Package relaytest provides an in-memory relay network for tests.
package relaytest

import (
	"context"
	"errors"
	"sync"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
)

// ErrUnreachable is returned when dialing a relay marked down
var ErrUnreachable = errors.New("relay unreachable")

// Network is a fake set of relays reachable through its Dial method
type Network struct {
	mu        sync.Mutex
	down      map[string]bool
	rejecting map[string]bool
	dials     map[string]int
	conns     map[string][]*Conn
	published map[string][]nostr.Event
}

func NewNetwork() *Network {
	return &Network{
		down:      map[string]bool{},
		rejecting: map[string]bool{},
		dials:     map[string]int{},
		conns:     map[string][]*Conn{},
		published: map[string][]nostr.Event{},
	}
}

// SetDown makes dials to url fail (or succeed again)
func (n *Network) SetDown(url string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[url] = down
}

// RejectPublish makes url refuse published events
func (n *Network) RejectPublish(url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejecting[url] = true
}

func (n *Network) Dial(ctx context.Context, url string) (relay.Conn, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dials[url]++
	if n.down[url] {
		return nil, ErrUnreachable
	}
	c := &Conn{net: n, url: url, done: make(chan struct{})}
	n.conns[url] = append(n.conns[url], c)
	return c, nil
}

// Dials reports how many times url was dialed
func (n *Network) Dials(url string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[url]
}

// Published returns the events accepted by url
func (n *Network) Published(url string) []nostr.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]nostr.Event(nil), n.published[url]...)
}

// Latest returns the most recent connection to url, or nil
func (n *Network) Latest(url string) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	conns := n.conns[url]
	if len(conns) == 0 {
		return nil
	}
	return conns[len(conns)-1]
}

// Conn is a fake relay connection
type Conn struct {
	net  *Network
	url  string
	done chan struct{}

	mu      sync.Mutex
	subs    []*Sub
	closed  bool
	filters []nostr.Filter
}

func (c *Conn) URL() string { return c.url }

func (c *Conn) Subscribe(ctx context.Context, filter nostr.Filter) (relay.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Sub{events: make(chan *nostr.Event, 16), closed: make(chan string, 1)}
	c.subs = append(c.subs, s)
	c.filters = append(c.filters, filter)
	return s, nil
}

func (c *Conn) Publish(ctx context.Context, ev nostr.Event) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.rejecting[c.url] {
		return errors.New("blocked: not accepting events")
	}
	c.net.published[c.url] = append(c.net.published[c.url], ev)
	return nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Filters returns the filters subscribed on the connection
func (c *Conn) Filters() []nostr.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]nostr.Filter(nil), c.filters...)
}

// IsClosed reports whether the connection was closed
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver pushes ev into every subscription on the connection
func (c *Conn) Deliver(ev *nostr.Event) {
	c.mu.Lock()
	subs := append([]*Sub(nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.events <- ev
	}
}

// Drop simulates the relay hanging up
func (c *Conn) Drop() {
	c.Close()
}

// Sub is a fake subscription
type Sub struct {
	events chan *nostr.Event
	closed chan string
}

func (s *Sub) Events() <-chan *nostr.Event { return s.events }
func (s *Sub) Closed() <-chan string       { return s.closed }
func (s *Sub) Unsub()                      {}
