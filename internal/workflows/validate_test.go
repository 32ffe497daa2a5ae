package workflows

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-thumbnail-dvm/internal/envelope"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

var validatorNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(sk string) *Validator {
	v := NewValidator(envelope.NewCodec(sk), 99000*time.Second)
	v.now = func() time.Time { return validatorNow }
	return v
}

func request(tags ...nostr.Tag) nostr.Event {
	return nostr.Event{
		ID:        "req",
		PubKey:    "requester",
		Kind:      dvm.KindThumbnailRequest,
		CreatedAt: nostr.Timestamp(validatorNow.Add(-time.Minute).Unix()),
		Tags:      tags,
	}
}

func TestAcceptDefaults(t *testing.T) {
	v := newTestValidator(nostr.GeneratePrivateKey())
	ev := request(nostr.Tag{"i", "https://x/video.mp4", "url"}, nostr.Tag{"output", "image/jpeg"})

	job, err := v.Accept(ev)
	require.NoError(t, err)
	require.Equal(t, "https://x/video.mp4", job.URL)
	require.Equal(t, 3, job.ThumbnailCount)
	require.Equal(t, dvm.FormatJPEG, job.Format)
	require.False(t, job.WasEncrypted)
	require.Empty(t, job.Relays)
	require.Equal(t, nostr.Tag{"i", "https://x/video.mp4", "url"}, job.InputTag)
	require.Equal(t, ev.ID, job.Request.ID)
}

func TestAcceptEveryValidCountAndFormat(t *testing.T) {
	v := newTestValidator(nostr.GeneratePrivateKey())
	for n := dvm.MinThumbnailCount; n <= dvm.MaxThumbnailCount; n++ {
		for raw, want := range map[string]dvm.ImageFormat{"jpg": dvm.FormatJPEG, "png": dvm.FormatPNG} {
			job, err := v.Accept(request(
				nostr.Tag{"i", "http://x/v.mp4", "url"},
				nostr.Tag{"param", "thumbnailCount", strconv.Itoa(n)},
				nostr.Tag{"param", "imageFormat", raw},
			))
			require.NoError(t, err)
			require.Equal(t, n, job.ThumbnailCount)
			require.Equal(t, want, job.Format)
		}
	}
}

func TestAcceptRejects(t *testing.T) {
	input := nostr.Tag{"i", "https://x/v.mp4", "url"}
	cases := []struct {
		name string
		ev   nostr.Event
		want error
	}{
		{"no input", request(), ErrUnsupportedInput},
		{"event input", request(nostr.Tag{"i", "abcd", "event"}), ErrUnsupportedInput},
		{"not http", request(nostr.Tag{"i", "ftp://x/v.mp4", "url"}), ErrUnsupportedInput},
		{"count zero", request(input, nostr.Tag{"param", "thumbnailCount", "0"}), ErrOutOfRange},
		{"count eleven", request(input, nostr.Tag{"param", "thumbnailCount", "11"}), ErrOutOfRange},
		{"count negative", request(input, nostr.Tag{"param", "thumbnailCount", "-2"}), ErrOutOfRange},
		{"count not a number", request(input, nostr.Tag{"param", "thumbnailCount", "three"}), ErrOutOfRange},
		{"gif output", request(input, nostr.Tag{"output", "image/gif"}), ErrUnsupportedOutput},
		{"text output", request(input, nostr.Tag{"output", "text/plain"}), ErrUnsupportedOutput},
		{"webp param", request(input, nostr.Tag{"param", "imageFormat", "webp"}), ErrUnsupportedOutput},
		{"text output with png param", request(input, nostr.Tag{"output", "text/plain"}, nostr.Tag{"param", "imageFormat", "png"}), ErrUnsupportedOutput},
	}

	v := newTestValidator(nostr.GeneratePrivateKey())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Accept(tc.ev)
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestAcceptRejectsWrongKindAndStale(t *testing.T) {
	v := newTestValidator(nostr.GeneratePrivateKey())

	ev := request(nostr.Tag{"i", "https://x/v.mp4", "url"})
	ev.Kind = 1
	_, err := v.Accept(ev)
	require.ErrorIs(t, err, ErrValidation)

	ev = request(nostr.Tag{"i", "https://x/v.mp4", "url"})
	ev.CreatedAt = nostr.Timestamp(validatorNow.Add(-48 * time.Hour).Unix())
	_, err = v.Accept(ev)
	require.ErrorIs(t, err, ErrStaleRequest)
}

func TestAcceptFutureDatedRequests(t *testing.T) {
	v := newTestValidator(nostr.GeneratePrivateKey())

	ev := request(nostr.Tag{"i", "https://x/v.mp4", "url"})
	ev.CreatedAt = nostr.Timestamp(validatorNow.Add(time.Hour).Unix())
	_, err := v.Accept(ev)
	require.ErrorIs(t, err, ErrFutureRequest)
	require.ErrorIs(t, err, ErrValidation)

	// small clock drift is tolerated
	ev.CreatedAt = nostr.Timestamp(validatorNow.Add(MaxClockSkew - time.Second).Unix())
	_, err = v.Accept(ev)
	require.NoError(t, err)

	// the skew check holds even without a look-back
	v.lookback = 0
	ev.CreatedAt = nostr.Timestamp(validatorNow.Add(MaxClockSkew + time.Minute).Unix())
	_, err = v.Accept(ev)
	require.ErrorIs(t, err, ErrFutureRequest)
}

func TestAcceptParamBeatsOutput(t *testing.T) {
	v := newTestValidator(nostr.GeneratePrivateKey())
	job, err := v.Accept(request(
		nostr.Tag{"i", "https://x/v.mp4", "url"},
		nostr.Tag{"output", "image/jpeg"},
		nostr.Tag{"param", "imageFormat", "png"},
		nostr.Tag{"relays", "wss://one.example", "", "wss://two.example"},
	))
	require.NoError(t, err)
	require.Equal(t, dvm.FormatPNG, job.Format)
	require.Equal(t, []string{"wss://one.example", "wss://two.example"}, job.Relays)
}

func TestAcceptEncryptedRequest(t *testing.T) {
	workerSK := nostr.GeneratePrivateKey()
	workerPK, _ := nostr.GetPublicKey(workerSK)
	requesterSK := nostr.GeneratePrivateKey()

	ev := encryptedRequest(t, requesterSK, workerPK, nostr.Tags{
		{"i", "https://x/secret.mp4", "url"},
		{"param", "thumbnailCount", "5"},
	})

	v := newTestValidator(workerSK)
	v.now = time.Now
	job, err := v.Accept(ev)
	require.NoError(t, err)
	require.True(t, job.WasEncrypted)
	require.Equal(t, "https://x/secret.mp4", job.URL)
	require.Equal(t, 5, job.ThumbnailCount)
	require.Equal(t, ev.Content, job.Request.Content)

	// wrong worker key: the job is dropped
	_, err = NewValidator(envelope.NewCodec(nostr.GeneratePrivateKey()), time.Hour).Accept(ev)
	require.True(t, errors.Is(err, ErrDecryption))
}
