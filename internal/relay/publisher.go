package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
)

const publishTimeout = 20 * time.Second

// PublishResult is the outcome of sending one event to one relay
type PublishResult struct {
	URL string
	Err error
}

// Publisher delivers result events to a set of relays, best effort per relay
type Publisher struct {
	dialer  Dialer
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewPublisher creates a publisher. m may be nil.
func NewPublisher(dialer Dialer, log *slog.Logger, m *metrics.Metrics) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{dialer: dialer, log: log.With("component", "publisher"), metrics: m}
}

// Publish sends ev to every relay in urls concurrently. Results are returned
// in the order of urls; a failed relay never affects the others.
func (p *Publisher) Publish(ctx context.Context, urls []string, ev nostr.Event) []PublishResult {
	results := make([]PublishResult, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			err := p.publishOne(ctx, url, ev)
			results[i] = PublishResult{URL: url, Err: err}
			if err != nil {
				p.log.WarnContext(ctx, "publish failed", "relay", url, "event", ev.ID, "error", err)
				p.count("error")
			} else {
				p.log.DebugContext(ctx, "published", "relay", url, "event", ev.ID)
				p.count("ok")
			}
			return nil
		})
	}
	g.Wait()
	return results
}

func (p *Publisher) publishOne(ctx context.Context, url string, ev nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	conn, err := p.dialer.Dial(ctx, url)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	if err := conn.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (p *Publisher) count(result string) {
	if p.metrics != nil {
		p.metrics.Publishes.WithLabelValues(result).Inc()
	}
}

// Accepted counts the relays that took the event
func Accepted(results []PublishResult) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}
