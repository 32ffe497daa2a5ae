package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tendant/simple-thumbnail-dvm/internal/envelope"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// ErrNotDelivered is returned when no relay accepted the request
var ErrNotDelivered = errors.New("request not accepted by any relay")

// Client submits thumbnail requests to the network and waits for results
type Client struct {
	secretKey string
	publicKey string
	relays    []string
	dialer    relay.Dialer
	codec     *envelope.Codec
}

// Request describes a thumbnail job
type Request struct {
	URL            string
	ThumbnailCount int
	Format         dvm.ImageFormat
	// ResultRelays are extra relays the worker should publish the result to
	ResultRelays []string
	// WorkerPubKey, when set with Encrypt, hides the job parameters from everyone but that worker
	WorkerPubKey string
	Encrypt      bool
}

// Thumbnail is one uploaded frame
type Thumbnail struct {
	URL    string
	SHA256 string
}

// Result is a parsed thumbnail result
type Result struct {
	Event      nostr.Event
	Worker     string
	Thumbnails []Thumbnail
	Dim        string
	Duration   string
	Size       string
}

// New creates a client publishing with secretKey to relays
func New(secretKey string, relays []string) (*Client, error) {
	return NewWithDialer(secretKey, relays, relay.NostrDialer{})
}

// NewWithDialer creates a client with a custom relay dialer
func NewWithDialer(secretKey string, relays []string, dialer relay.Dialer) (*Client, error) {
	pub, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("invalid secret key: %w", err)
	}
	return &Client{
		secretKey: secretKey,
		publicKey: pub,
		relays:    relays,
		dialer:    dialer,
		codec:     envelope.NewCodec(secretKey),
	}, nil
}

// BuildRequest creates the signed request event without sending it
func (c *Client) BuildRequest(req Request) (nostr.Event, error) {
	if req.URL == "" {
		return nostr.Event{}, fmt.Errorf("url is required")
	}
	if req.Encrypt && req.WorkerPubKey == "" {
		return nostr.Event{}, fmt.Errorf("encrypted requests need a worker pubkey")
	}

	tags := nostr.Tags{{dvm.TagInput, req.URL, dvm.InputTypeURL}}
	if req.Format != "" {
		tags = append(tags, nostr.Tag{dvm.TagOutput, req.Format.MimeType()})
	}
	if req.ThumbnailCount > 0 {
		tags = append(tags, nostr.Tag{dvm.TagParam, dvm.ParamThumbnailCount, strconv.Itoa(req.ThumbnailCount)})
	}
	if len(req.ResultRelays) > 0 {
		tags = append(tags, append(nostr.Tag{dvm.TagRelays}, req.ResultRelays...))
	}
	if req.WorkerPubKey != "" {
		tags = append(tags, nostr.Tag{dvm.TagPubKey, req.WorkerPubKey})
	}

	ev := nostr.Event{
		Kind:      dvm.KindThumbnailRequest,
		CreatedAt: nostr.Now(),
		Tags:      tags,
	}
	ev, err := c.codec.EncryptIfNeeded(ev, req.WorkerPubKey, req.Encrypt)
	if err != nil {
		return nostr.Event{}, err
	}
	if err := ev.Sign(c.secretKey); err != nil {
		return nostr.Event{}, fmt.Errorf("failed to sign request: %w", err)
	}
	return ev, nil
}

// Submit signs and publishes a request, returning the sent event
func (c *Client) Submit(ctx context.Context, req Request) (nostr.Event, error) {
	ev, err := c.BuildRequest(req)
	if err != nil {
		return nostr.Event{}, err
	}

	results := relay.NewPublisher(c.dialer, nil, nil).Publish(ctx, c.relays, ev)
	if relay.Accepted(results) == 0 {
		errs := make([]error, 0, len(results))
		for _, r := range results {
			errs = append(errs, fmt.Errorf("%s: %w", r.URL, r.Err))
		}
		return ev, fmt.Errorf("%w: %w", ErrNotDelivered, errors.Join(errs...))
	}
	return ev, nil
}

// Await waits for the first result referencing requestID on any relay
func (c *Client) Await(ctx context.Context, requestID string) (*Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan nostr.Event, len(c.relays))
	filter := nostr.Filter{
		Kinds: []int{dvm.KindThumbnailResult},
		Tags:  nostr.TagMap{dvm.TagEvent: []string{requestID}},
	}

	for _, url := range c.relays {
		go func() {
			conn, err := c.dialer.Dial(ctx, url)
			if err != nil {
				return
			}
			defer conn.Close()

			sub, err := conn.Subscribe(ctx, filter)
			if err != nil {
				return
			}
			defer sub.Unsub()

			for {
				select {
				case <-ctx.Done():
					return
				case <-conn.Done():
					return
				case ev, ok := <-sub.Events():
					if !ok {
						return
					}
					if ev == nil || ev.Kind != dvm.KindThumbnailResult {
						continue
					}
					if e := dvm.FindTag(ev.Tags, dvm.TagEvent); len(e) < 2 || e[1] != requestID {
						continue
					}
					select {
					case found <- *ev:
					default:
					}
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev := <-found:
			if ok, err := ev.CheckSignature(); err != nil || !ok {
				continue
			}
			plain, _, err := c.codec.DecryptIfNeeded(ev)
			if err != nil {
				return nil, err
			}
			return ParseResult(plain), nil
		}
	}
}

// ParseResult extracts thumbnails and metadata from a decrypted result event
func ParseResult(ev nostr.Event) *Result {
	res := &Result{Event: ev, Worker: ev.PubKey}
	for _, t := range ev.Tags {
		if len(t) < 2 {
			continue
		}
		switch t[0] {
		case dvm.TagThumb:
			res.Thumbnails = append(res.Thumbnails, Thumbnail{URL: t[1]})
		case dvm.TagHash:
			if n := len(res.Thumbnails); n > 0 && res.Thumbnails[n-1].SHA256 == "" {
				res.Thumbnails[n-1].SHA256 = t[1]
			}
		case dvm.TagDim:
			res.Dim = t[1]
		case dvm.TagDuration:
			res.Duration = t[1]
		case dvm.TagSize:
			res.Size = t[1]
		}
	}
	return res
}
