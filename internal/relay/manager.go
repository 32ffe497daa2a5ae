package relay

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

const dialTimeout = 15 * time.Second

// ErrStopped is returned by queries made after the manager has exited
var ErrStopped = errors.New("subscription manager stopped")

// HandlerFunc receives every event delivered by any relay subscription.
// It is called from the relay's pump goroutine and should return quickly.
type HandlerFunc func(ctx context.Context, ev *nostr.Event)

// Status describes one configured relay endpoint
type Status struct {
	URL        string    `json:"url"`
	Connected  bool      `json:"connected"`
	Since      time.Time `json:"since,omitempty"`
	Connects   int       `json:"connects"`
	LastError  string    `json:"last_error,omitempty"`
	LastFailed time.Time `json:"last_failed,omitempty"`
}

// Options configure a Manager
type Options struct {
	Relays   []string
	Interval time.Duration
	Lookback time.Duration
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Manager keeps one standing subscription per configured relay. All handle
// state is owned by the Run goroutine; other goroutines talk to it through
// channels.
type Manager struct {
	dialer   Dialer
	handler  HandlerFunc
	interval time.Duration
	lookback time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	initial   []string
	closed    chan closedMsg
	snapshots chan chan []Status
	endpoints chan []string
	kick      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
}

type handle struct {
	conn   Conn
	sub    Subscription
	gen    uint64
	since  time.Time
	cancel context.CancelFunc
}

type endpoint struct {
	handle     *handle
	connects   int
	lastError  string
	lastFailed time.Time
}

type closedMsg struct {
	url    string
	gen    uint64
	reason string
}

type dialResult struct {
	url  string
	conn Conn
	sub  Subscription
	err  error
}

// NewManager creates a manager that feeds handler from every relay in opts.Relays
func NewManager(dialer Dialer, handler HandlerFunc, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Manager{
		dialer:    dialer,
		handler:   handler,
		interval:  opts.Interval,
		lookback:  opts.Lookback,
		log:       opts.Logger.With("component", "relay"),
		metrics:   opts.Metrics,
		now:       time.Now,
		initial:   normalize(opts.Relays),
		closed:    make(chan closedMsg),
		snapshots: make(chan chan []Status),
		endpoints: make(chan []string),
		kick:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
// All subscriptions are closed on return.
func (m *Manager) Run(ctx context.Context) error {
	defer m.stopOnce.Do(func() { close(m.stopped) })

	configured := m.initial
	state := make(map[string]*endpoint, len(configured))
	var gen uint64

	defer func() {
		for url, ep := range state {
			m.drop(url, ep)
		}
	}()

	sweep := func() {
		var missing []string
		for _, url := range configured {
			ep, ok := state[url]
			if !ok {
				ep = &endpoint{}
				state[url] = ep
			}
			if ep.handle != nil && !isDone(ep.handle.conn.Done()) {
				continue
			}
			if ep.handle != nil {
				m.drop(url, ep)
			}
			missing = append(missing, url)
		}

		for _, res := range m.dialAll(ctx, missing) {
			ep := state[res.url]
			if res.err != nil {
				ep.lastError = res.err.Error()
				ep.lastFailed = m.now()
				m.count("error")
				m.log.Warn("relay subscription failed, retrying next sweep", "relay", res.url, "error", res.err)
				continue
			}
			gen++
			pumpCtx, cancel := context.WithCancel(ctx)
			ep.handle = &handle{conn: res.conn, sub: res.sub, gen: gen, since: m.now(), cancel: cancel}
			ep.connects++
			ep.lastError = ""
			m.count("ok")
			m.log.Info("relay subscribed", "relay", res.url, "connects", ep.connects)
			go m.pump(pumpCtx, res.url, gen, res.conn, res.sub)
		}
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	sweep()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			sweep()

		case <-m.kick:
			sweep()

		case msg := <-m.closed:
			ep, ok := state[msg.url]
			if !ok || ep.handle == nil || ep.handle.gen != msg.gen {
				continue
			}
			m.log.Warn("relay subscription closed", "relay", msg.url, "reason", msg.reason)
			m.drop(msg.url, ep)

		case urls := <-m.endpoints:
			configured = urls
			for url, ep := range state {
				if !slices.Contains(configured, url) {
					m.log.Info("relay removed from configuration", "relay", url)
					m.drop(url, ep)
					delete(state, url)
				}
			}
			sweep()

		case reply := <-m.snapshots:
			out := make([]Status, 0, len(configured))
			for _, url := range configured {
				st := Status{URL: url}
				if ep, ok := state[url]; ok {
					st.Connects = ep.connects
					st.LastError = ep.lastError
					st.LastFailed = ep.lastFailed
					if ep.handle != nil {
						st.Connected = true
						st.Since = ep.handle.since
					}
				}
				out = append(out, st)
			}
			reply <- out
		}
	}
}

// Snapshot reports the state of every configured relay
func (m *Manager) Snapshot(ctx context.Context) ([]Status, error) {
	reply := make(chan []Status, 1)
	select {
	case m.snapshots <- reply:
	case <-m.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetRelays replaces the configured relay set. Subscriptions to relays no
// longer listed are closed; new ones are dialed right away.
func (m *Manager) SetRelays(ctx context.Context, urls []string) error {
	select {
	case m.endpoints <- normalize(urls):
		return nil
	case <-m.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect asks for a sweep ahead of the next tick
func (m *Manager) Reconnect() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

func (m *Manager) dialAll(ctx context.Context, urls []string) []dialResult {
	results := make([]dialResult, len(urls))
	var g errgroup.Group
	for i, url := range urls {
		g.Go(func() error {
			results[i] = m.dial(ctx, url)
			return nil
		})
	}
	g.Wait()
	return results
}

func (m *Manager) dial(ctx context.Context, url string) dialResult {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dialCtx, url)
	if err != nil {
		return dialResult{url: url, err: err}
	}

	since := nostr.Timestamp(m.now().Add(-m.lookback).Unix())
	filter := nostr.Filter{
		Kinds: []int{dvm.KindThumbnailRequest},
		Since: &since,
	}
	// subscription lifetime is tied to the manager, not the dial timeout
	sub, err := conn.Subscribe(ctx, filter)
	if err != nil {
		conn.Close()
		return dialResult{url: url, err: err}
	}
	return dialResult{url: url, conn: conn, sub: sub}
}

// pump forwards events until the subscription or connection ends, then
// reports the closure to the owner.
func (m *Manager) pump(ctx context.Context, url string, gen uint64, conn Conn, sub Subscription) {
	reason := ""
	for reason == "" {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				reason = "event stream ended"
				break
			}
			if ev != nil && ev.Kind == dvm.KindThumbnailRequest {
				m.handler(ctx, ev)
			}
		case r := <-sub.Closed():
			reason = "closed by relay: " + r
		case <-conn.Done():
			reason = "connection lost"
		}
	}

	select {
	case m.closed <- closedMsg{url: url, gen: gen, reason: reason}:
	case <-ctx.Done():
	}
}

func (m *Manager) drop(url string, ep *endpoint) {
	if ep.handle == nil {
		return
	}
	h := ep.handle
	ep.handle = nil
	h.cancel()
	h.sub.Unsub()
	if err := h.conn.Close(); err != nil {
		m.log.Debug("relay close", "relay", url, "error", err)
	}
}

func (m *Manager) count(result string) {
	if m.metrics != nil {
		m.metrics.RelayConnects.WithLabelValues(result).Inc()
	}
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func normalize(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := nostr.NormalizeURL(u)
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
