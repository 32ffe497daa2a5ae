package relay

import (
	"context"

	"github.com/nbd-wtf/go-nostr"
)

// Subscription is a live standing filter on one relay
type Subscription interface {
	Events() <-chan *nostr.Event
	// Closed yields the reason when the relay terminates the subscription
	Closed() <-chan string
	Unsub()
}

// Conn is one relay connection
type Conn interface {
	URL() string
	Subscribe(ctx context.Context, filter nostr.Filter) (Subscription, error)
	Publish(ctx context.Context, ev nostr.Event) error
	// Done is closed once the underlying connection is gone
	Done() <-chan struct{}
	Close() error
}

// Dialer opens relay connections
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// NostrDialer dials relays with the go-nostr websocket client
type NostrDialer struct{}

func (NostrDialer) Dial(ctx context.Context, url string) (Conn, error) {
	r, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return &nostrConn{relay: r}, nil
}

type nostrConn struct {
	relay *nostr.Relay
}

func (c *nostrConn) URL() string {
	return c.relay.URL
}

func (c *nostrConn) Subscribe(ctx context.Context, filter nostr.Filter) (Subscription, error) {
	sub, err := c.relay.Subscribe(ctx, nostr.Filters{filter})
	if err != nil {
		return nil, err
	}
	return &nostrSub{sub: sub}, nil
}

func (c *nostrConn) Publish(ctx context.Context, ev nostr.Event) error {
	return c.relay.Publish(ctx, ev)
}

func (c *nostrConn) Done() <-chan struct{} {
	return c.relay.Context().Done()
}

func (c *nostrConn) Close() error {
	return c.relay.Close()
}

type nostrSub struct {
	sub *nostr.Subscription
}

func (s *nostrSub) Events() <-chan *nostr.Event {
	return s.sub.Events
}

func (s *nostrSub) Closed() <-chan string {
	return s.sub.ClosedReason
}

func (s *nostrSub) Unsub() {
	s.sub.Unsub()
}
