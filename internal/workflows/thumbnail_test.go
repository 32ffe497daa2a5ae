package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-thumbnail-dvm/internal/blossom"
	"github.com/tendant/simple-thumbnail-dvm/internal/blossom/blossomtest"
	"github.com/tendant/simple-thumbnail-dvm/internal/envelope"
	"github.com/tendant/simple-thumbnail-dvm/internal/extract"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay/relaytest"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

const (
	defaultRelayA  = "wss://a.example"
	defaultRelayB  = "wss://b.example"
	requesterRelay = "wss://requester.example"
)

type fakeExtractor struct {
	mu          sync.Mutex
	meta        *extract.Metadata
	metaErr     error
	thumbErr    error
	dirs        []string
	gotDuration time.Duration
}

func (f *fakeExtractor) Metadata(ctx context.Context, src string) (*extract.Metadata, error) {
	return f.meta, f.metaErr
}

func (f *fakeExtractor) Thumbnails(ctx context.Context, src string, duration time.Duration, count int, format dvm.ImageFormat, ws extract.Workspace) ([]string, error) {
	f.mu.Lock()
	f.dirs = append(f.dirs, ws.Dir())
	f.gotDuration = duration
	f.mu.Unlock()
	if f.thumbErr != nil {
		return nil, f.thumbErr
	}
	var paths []string
	for i := 1; i <= count; i++ {
		p, err := ws.Path(fmt.Sprintf("thumb-%02d.%s", i, format.Extension()))
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte(fmt.Sprintf("%s frame %d", src, i)), 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

type harness struct {
	workerSK  string
	workerPK  string
	extractor *fakeExtractor
	blobs     *blossomtest.Server
	net       *relaytest.Network
	workDir   string
	workflow  *ThumbnailWorkflow
	validator *Validator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		workerSK: nostr.GeneratePrivateKey(),
		extractor: &fakeExtractor{meta: &extract.Metadata{
			Width: 1920, Height: 1080, Duration: 125 * time.Second, Size: 10485760,
		}},
		blobs:   blossomtest.NewServer(),
		net:     relaytest.NewNetwork(),
		workDir: t.TempDir(),
	}
	t.Cleanup(h.blobs.Close)

	signer, err := dvm.NewKeySigner(h.workerSK)
	require.NoError(t, err)
	h.workerPK = signer.PublicKey()

	codec := envelope.NewCodec(h.workerSK)
	h.validator = NewValidator(codec, 99000*time.Second)
	h.workflow = NewThumbnailWorkflow(
		h.extractor,
		blossom.NewClient(h.blobs.URL, blossom.NewIssuer(signer)),
		relay.NewPublisher(h.net, nil, nil),
		codec,
		signer,
		ThumbnailOptions{
			WorkDir:       h.workDir,
			DefaultRelays: []string{defaultRelayA, defaultRelayB},
		},
	)
	return h
}

func (h *harness) run(t *testing.T, ev nostr.Event) (*WorkflowResult, error) {
	t.Helper()
	job, err := h.validator.Accept(ev)
	require.NoError(t, err)
	return h.workflow.Execute(&WorkflowContext{Ctx: context.Background(), Request: job, RunID: "run-1"})
}

func (h *harness) requireWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workDir)
	require.NoError(t, err)
	require.Empty(t, entries, "job workspace should be removed")
	require.NotEmpty(t, h.extractor.dirs)
}

func signedRequest(t *testing.T, sk string, tags nostr.Tags) nostr.Event {
	t.Helper()
	ev := nostr.Event{Kind: dvm.KindThumbnailRequest, CreatedAt: nostr.Now(), Tags: tags}
	require.NoError(t, ev.Sign(sk))
	return ev
}

func encryptedRequest(t *testing.T, requesterSK, workerPK string, hidden nostr.Tags) nostr.Event {
	t.Helper()
	key, err := nip04.ComputeSharedSecret(workerPK, requesterSK)
	require.NoError(t, err)
	payload, err := json.Marshal(hidden)
	require.NoError(t, err)
	content, err := nip04.Encrypt(string(payload), key)
	require.NoError(t, err)

	ev := nostr.Event{
		Kind:      dvm.KindThumbnailRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", workerPK}, {"encrypted"}},
		Content:   content,
	}
	require.NoError(t, ev.Sign(requesterSK))
	return ev
}

func tagValues(tags nostr.Tags, name string) []string {
	var out []string
	for _, t := range tags {
		if len(t) >= 2 && t[0] == name {
			out = append(out, t[1])
		}
	}
	return out
}

func TestThumbnailWorkflowPublishesResult(t *testing.T) {
	h := newHarness(t)
	requesterSK := nostr.GeneratePrivateKey()
	req := signedRequest(t, requesterSK, nostr.Tags{
		{"i", "https://x/video.mp4", "url"},
		{"output", "image/jpeg"},
		{"relays", requesterRelay, defaultRelayA + "/"},
	})

	res, err := h.run(t, req)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, StateCleanedUp, res.State)
	require.Equal(t, 125*time.Second, h.extractor.gotDuration)

	require.Equal(t, 3, h.blobs.Uploads())
	require.Len(t, res.Thumbnails, 3)
	require.ElementsMatch(t, []string{requesterRelay, defaultRelayA, defaultRelayB}, res.Relays)

	ev := res.Result
	require.Equal(t, dvm.KindThumbnailResult, ev.Kind)
	require.Equal(t, h.workerPK, ev.PubKey)
	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, dvm.TagRequest, ev.Tags[0][0])
	var echoed nostr.Event
	require.NoError(t, json.Unmarshal([]byte(ev.Tags[0][1]), &echoed))
	require.Equal(t, req.ID, echoed.ID)
	require.Equal(t, nostr.Tag{"e", req.ID}, ev.Tags[1])
	require.Equal(t, nostr.Tag{"p", req.PubKey}, ev.Tags[2])
	require.Equal(t, nostr.Tag{"i", "https://x/video.mp4", "url"}, ev.Tags[3])
	require.Equal(t, []string{"1920x1080"}, tagValues(ev.Tags, "dim"))
	require.Equal(t, []string{"125"}, tagValues(ev.Tags, "duration"))
	require.Equal(t, []string{"10485760"}, tagValues(ev.Tags, "size"))

	thumbs := tagValues(ev.Tags, "thumb")
	hashes := tagValues(ev.Tags, "x")
	require.Len(t, thumbs, 3)
	require.Len(t, hashes, 3)
	for i, blob := range res.Thumbnails {
		require.Equal(t, blob.URL, thumbs[i])
		require.Equal(t, blob.SHA256, hashes[i])
	}
	// pairs are adjacent, in upload order
	for i, tag := range ev.Tags[7:] {
		if i%2 == 0 {
			require.Equal(t, "thumb", tag[0])
		} else {
			require.Equal(t, "x", tag[0])
		}
	}

	for _, url := range res.Relays {
		require.Len(t, h.net.Published(url), 1, url)
		require.Equal(t, ev.ID, h.net.Published(url)[0].ID)
	}
	h.requireWorkDirEmpty(t)
}

func TestThumbnailWorkflowOmitsUnknownMetadata(t *testing.T) {
	h := newHarness(t)
	h.extractor.meta = &extract.Metadata{Duration: 10 * time.Second}

	res, err := h.run(t, signedRequest(t, nostr.GeneratePrivateKey(), nostr.Tags{
		{"i", "https://x/v.mp4", "url"},
		{"param", "thumbnailCount", "1"},
	}))
	require.NoError(t, err)
	require.Empty(t, tagValues(res.Result.Tags, "dim"))
	require.Empty(t, tagValues(res.Result.Tags, "size"))
	require.Equal(t, []string{"10"}, tagValues(res.Result.Tags, "duration"))
	require.Len(t, tagValues(res.Result.Tags, "thumb"), 1)
}

func TestThumbnailWorkflowMirrorsEncryption(t *testing.T) {
	h := newHarness(t)
	requesterSK := nostr.GeneratePrivateKey()
	requesterPK, _ := nostr.GetPublicKey(requesterSK)

	req := encryptedRequest(t, requesterSK, h.workerPK, nostr.Tags{
		{"i", "https://x/private.mp4", "url"},
		{"param", "thumbnailCount", "2"},
		{"param", "imageFormat", "png"},
	})

	res, err := h.run(t, req)
	require.NoError(t, err)

	ev := *res.Result
	require.True(t, dvm.HasTag(ev.Tags, dvm.TagEncrypted))
	require.Empty(t, tagValues(ev.Tags, "thumb"), "thumbnails must not leak in clear")
	require.Equal(t, []string{req.ID}, tagValues(ev.Tags, "e"))
	require.Equal(t, []string{requesterPK}, tagValues(ev.Tags, "p"))
	require.NotEmpty(t, ev.Content)

	opened, wasEncrypted, err := envelope.NewCodec(requesterSK).DecryptIfNeeded(ev)
	require.NoError(t, err)
	require.True(t, wasEncrypted)
	require.Len(t, tagValues(opened.Tags, "thumb"), 2)
	require.Equal(t, []string{"https://x/private.mp4"}, tagValues(opened.Tags, "i"))
	for _, blob := range res.Thumbnails {
		require.Equal(t, "image/png", blob.Type)
	}
}

func TestThumbnailWorkflowUploadFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.blobs.FailUpload(2)

	req := signedRequest(t, nostr.GeneratePrivateKey(), nostr.Tags{{"i", "https://x/v.mp4", "url"}})
	job, err := h.validator.Accept(req)
	require.NoError(t, err)

	res, err := h.workflow.Execute(&WorkflowContext{Ctx: context.Background(), Request: job, RunID: "run-2"})
	require.ErrorIs(t, err, ErrUpload)
	require.Equal(t, StateFailed, res.State)
	require.Equal(t, StateUploading, res.Reached)
	require.Nil(t, res.Result)

	require.Equal(t, 2, h.blobs.Uploads(), "remaining uploads are skipped")
	for _, url := range []string{defaultRelayA, defaultRelayB} {
		require.Empty(t, h.net.Published(url))
	}
	h.requireWorkDirEmpty(t)
}

func TestThumbnailWorkflowExtractionFailure(t *testing.T) {
	h := newHarness(t)
	h.extractor.thumbErr = errors.New("ffmpeg failed: exit status 1")

	res, err := h.run(t, signedRequest(t, nostr.GeneratePrivateKey(), nostr.Tags{{"i", "https://x/v.mp4", "url"}}))
	require.ErrorIs(t, err, ErrExtraction)
	require.Equal(t, StateMetadataRetrieved, res.Reached)
	require.Zero(t, h.blobs.Uploads())
	h.requireWorkDirEmpty(t)

	h = newHarness(t)
	h.extractor.metaErr = errors.New("ffprobe failed")
	_, err = h.run(t, signedRequest(t, nostr.GeneratePrivateKey(), nostr.Tags{{"i", "https://x/v.mp4", "url"}}))
	require.ErrorIs(t, err, ErrExtraction)
}

func TestThumbnailWorkflowPublishIsBestEffort(t *testing.T) {
	h := newHarness(t)
	h.net.SetDown(defaultRelayB, true)

	res, err := h.run(t, signedRequest(t, nostr.GeneratePrivateKey(), nostr.Tags{{"i", "https://x/v.mp4", "url"}}))
	require.NoError(t, err)
	require.Equal(t, 1, relay.Accepted(res.Publishes))
	require.Len(t, h.net.Published(defaultRelayA), 1)

	h = newHarness(t)
	h.net.SetDown(defaultRelayA, true)
	h.net.SetDown(defaultRelayB, true)
	res, err = h.run(t, signedRequest(t, nostr.GeneratePrivateKey(), nostr.Tags{{"i", "https://x/v.mp4", "url"}}))
	require.ErrorIs(t, err, ErrPublish)
	require.Equal(t, StateResultComposed, res.Reached)
	h.requireWorkDirEmpty(t)
}
