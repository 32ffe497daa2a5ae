package workflows

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// Opener reveals the tags of encrypted requests
type Opener interface {
	DecryptIfNeeded(ev nostr.Event) (nostr.Event, bool, error)
}

// Validator turns inbound request events into job requests
type Validator struct {
	opener   Opener
	lookback time.Duration
	now      func() time.Time
}

// MaxClockSkew is how far ahead of the local clock a request may be dated.
// Requests further in the future would outlive the dedup window while relays
// keep re-delivering them.
const MaxClockSkew = 15 * time.Minute

// NewValidator creates a validator. Requests created more than lookback ago
// are refused; a zero lookback disables that check. Requests dated more than
// MaxClockSkew ahead are always refused.
func NewValidator(opener Opener, lookback time.Duration) *Validator {
	return &Validator{opener: opener, lookback: lookback, now: time.Now}
}

// Accept validates ev and extracts the job parameters
func (v *Validator) Accept(ev nostr.Event) (dvm.JobRequest, error) {
	if ev.Kind != dvm.KindThumbnailRequest {
		return dvm.JobRequest{}, fmt.Errorf("%w: unexpected kind %d", ErrValidation, ev.Kind)
	}

	now, created := v.now(), ev.CreatedAt.Time()
	if v.lookback > 0 && created.Before(now.Add(-v.lookback)) {
		return dvm.JobRequest{}, fmt.Errorf("%w: created %s", ErrStaleRequest, created.UTC().Format(time.RFC3339))
	}
	if created.After(now.Add(MaxClockSkew)) {
		return dvm.JobRequest{}, fmt.Errorf("%w: created %s", ErrFutureRequest, created.UTC().Format(time.RFC3339))
	}

	plain, wasEncrypted, err := v.opener.DecryptIfNeeded(ev)
	if err != nil {
		return dvm.JobRequest{}, err
	}

	input := dvm.FindTag(plain.Tags, dvm.TagInput)
	if len(input) < 3 {
		return dvm.JobRequest{}, fmt.Errorf("%w: missing input tag", ErrUnsupportedInput)
	}
	if input[2] != dvm.InputTypeURL {
		return dvm.JobRequest{}, fmt.Errorf("%w: input type %q", ErrUnsupportedInput, input[2])
	}
	src, err := url.Parse(strings.TrimSpace(input[1]))
	if err != nil || (src.Scheme != "http" && src.Scheme != "https") || src.Host == "" {
		return dvm.JobRequest{}, fmt.Errorf("%w: not an http(s) url: %q", ErrUnsupportedInput, input[1])
	}

	format, err := requestedFormat(plain.Tags)
	if err != nil {
		return dvm.JobRequest{}, err
	}

	count, err := requestedCount(plain.Tags)
	if err != nil {
		return dvm.JobRequest{}, err
	}

	var relays []string
	if t := dvm.FindTag(plain.Tags, dvm.TagRelays); t != nil {
		for _, r := range t[1:] {
			if r = strings.TrimSpace(r); r != "" {
				relays = append(relays, r)
			}
		}
	}

	return dvm.JobRequest{
		Request:        ev,
		URL:            src.String(),
		InputTag:       input,
		ThumbnailCount: count,
		Format:         format,
		WasEncrypted:   wasEncrypted,
		Relays:         relays,
	}, nil
}

// requestedFormat validates the output tag when present; the imageFormat param
// then picks among the supported formats, falling back to the output type
func requestedFormat(tags nostr.Tags) (dvm.ImageFormat, error) {
	format := dvm.FormatJPEG
	if out := dvm.FindTag(tags, dvm.TagOutput); len(out) >= 2 {
		f, ok := dvm.ParseImageFormat(out[1])
		if !ok {
			return "", fmt.Errorf("%w: output %q", ErrUnsupportedOutput, out[1])
		}
		format = f
	}
	if raw, ok := dvm.FindParam(tags, dvm.ParamImageFormat); ok {
		f, ok := dvm.ParseImageFormat(raw)
		if !ok {
			return "", fmt.Errorf("%w: image format %q", ErrUnsupportedOutput, raw)
		}
		format = f
	}
	return format, nil
}

func requestedCount(tags nostr.Tags) (int, error) {
	raw, ok := dvm.FindParam(tags, dvm.ParamThumbnailCount)
	if !ok {
		return dvm.DefaultThumbnailCount, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: thumbnailCount %q", ErrOutOfRange, raw)
	}
	if n < dvm.MinThumbnailCount || n > dvm.MaxThumbnailCount {
		return 0, fmt.Errorf("%w: thumbnailCount %d not in %d..%d", ErrOutOfRange, n, dvm.MinThumbnailCount, dvm.MaxThumbnailCount)
	}
	return n, nil
}
