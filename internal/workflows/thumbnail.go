package workflows

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/nbd-wtf/go-nostr"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tendant/simple-thumbnail-dvm/internal/extract"
	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
	"github.com/tendant/simple-thumbnail-dvm/internal/observability"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
	"github.com/tendant/simple-thumbnail-dvm/internal/storage"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// Extractor reads video metadata and grabs frames
type Extractor interface {
	Metadata(ctx context.Context, src string) (*extract.Metadata, error)
	Thumbnails(ctx context.Context, src string, duration time.Duration, count int, format dvm.ImageFormat, ws extract.Workspace) ([]string, error)
}

// Uploader stores a file on the blob server
type Uploader interface {
	Upload(ctx context.Context, path string, contentType string) (*dvm.BlobDescriptor, error)
}

// Publisher sends a result event to a set of relays
type Publisher interface {
	Publish(ctx context.Context, urls []string, ev nostr.Event) []relay.PublishResult
}

// Sealer mirrors the request's encryption onto the result
type Sealer interface {
	EncryptIfNeeded(result nostr.Event, recipient string, wasEncrypted bool) (nostr.Event, error)
}

// ThumbnailOptions configure a ThumbnailWorkflow
type ThumbnailOptions struct {
	WorkDir       string
	DefaultRelays []string
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

// ThumbnailWorkflow extracts thumbnails from a video URL, uploads them and
// publishes a signed result event
type ThumbnailWorkflow struct {
	extractor     Extractor
	uploader      Uploader
	publisher     Publisher
	sealer        Sealer
	signer        dvm.Signer
	workDir       string
	defaultRelays []string
	log           *slog.Logger
	metrics       *metrics.Metrics
	now           func() time.Time
}

// NewThumbnailWorkflow creates a new thumbnail workflow
func NewThumbnailWorkflow(extractor Extractor, uploader Uploader, publisher Publisher, sealer Sealer, signer dvm.Signer, opts ThumbnailOptions) *ThumbnailWorkflow {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &ThumbnailWorkflow{
		extractor:     extractor,
		uploader:      uploader,
		publisher:     publisher,
		sealer:        sealer,
		signer:        signer,
		workDir:       opts.WorkDir,
		defaultRelays: opts.DefaultRelays,
		log:           opts.Logger,
		metrics:       opts.Metrics,
		now:           time.Now,
	}
}

// Name returns the workflow name
func (w *ThumbnailWorkflow) Name() string {
	return "ThumbnailWorkflow"
}

// Execute runs the thumbnail workflow. The job's scratch directory is
// removed whatever the outcome.
func (w *ThumbnailWorkflow) Execute(wctx *WorkflowContext) (*WorkflowResult, error) {
	ctx := observability.WithJob(wctx.Ctx, wctx.Request.Request.ID, wctx.RunID)
	ctx, span := observability.StartStageSpan(ctx, "thumbnail",
		attribute.String("dvm.url", wctx.Request.URL),
		attribute.Int("dvm.thumbnail_count", wctx.Request.ThumbnailCount),
		attribute.Bool("dvm.encrypted", wctx.Request.WasEncrypted),
	)
	defer span.End()

	req := wctx.Request
	result := &WorkflowResult{State: StateAccepted}
	fail := func(err error) (*WorkflowResult, error) {
		w.log.ErrorContext(ctx, "thumbnail workflow failed", "state", result.State, "error", err)
		span.RecordError(err)
		result.Reached = result.State
		result.State = StateFailed
		result.Error = err
		return result, err
	}

	w.log.InfoContext(ctx, "starting thumbnail workflow", "url", req.URL, "count", req.ThumbnailCount, "format", req.Format)
	started := w.now()

	ws, err := storage.NewWorkspace(w.workDir, wctx.RunID)
	if err != nil {
		return fail(err)
	}
	defer func() {
		if err := ws.Remove(); err != nil {
			w.log.WarnContext(ctx, "workspace cleanup failed", "dir", ws.Dir(), "error", err)
		}
	}()

	// Step 1: technical metadata
	meta, err := w.metadata(ctx, req.URL)
	if err != nil {
		return fail(fmt.Errorf("%w: metadata: %w", ErrExtraction, err))
	}
	if meta == nil {
		meta = &extract.Metadata{}
	}
	result.State = StateMetadataRetrieved
	w.log.InfoContext(ctx, "video metadata",
		"duration", meta.Duration,
		"size", humanize.Bytes(uint64(meta.Size)),
		"dim", fmt.Sprintf("%dx%d", meta.Width, meta.Height),
	)

	// Step 2: frames
	paths, err := w.thumbnails(ctx, req, meta.Duration, ws)
	if err != nil {
		return fail(fmt.Errorf("%w: thumbnails: %w", ErrExtraction, err))
	}
	result.State = StateThumbnailsExtracted

	// Step 3: uploads, in order; any failure aborts the rest
	result.State = StateUploading
	for i, path := range paths {
		blob, err := w.upload(ctx, path, req.Format)
		if err != nil {
			return fail(fmt.Errorf("%w: thumbnail %d of %d: %w", ErrUpload, i+1, len(paths), err))
		}
		result.Thumbnails = append(result.Thumbnails, *blob)
	}

	// Step 4: compose, seal and sign
	ev, err := w.compose(req, meta, result.Thumbnails)
	if err != nil {
		return fail(err)
	}
	result.Result = &ev
	result.State = StateResultComposed

	// Step 5: publish to requester relays plus our own
	result.Relays = w.targets(req.Relays)
	pubCtx, pubSpan := observability.StartStageSpan(ctx, "publish", attribute.Int("dvm.relays", len(result.Relays)))
	result.Publishes = w.publisher.Publish(pubCtx, result.Relays, ev)
	accepted := relay.Accepted(result.Publishes)
	pubSpan.SetAttributes(attribute.Int("dvm.relays_accepted", accepted))
	if accepted == 0 {
		err := fmt.Errorf("%w: none of %d relays accepted %s", ErrPublish, len(result.Relays), ev.ID)
		pubSpan.RecordError(err)
		pubSpan.End()
		return fail(err)
	}
	pubSpan.End()
	result.State = StatePublished

	if err := ws.Remove(); err != nil {
		w.log.WarnContext(ctx, "workspace cleanup failed", "dir", ws.Dir(), "error", err)
	}
	result.State = StateCleanedUp
	result.Reached = StateCleanedUp
	result.Success = true

	w.log.InfoContext(ctx, "thumbnail workflow completed",
		"result", ev.ID,
		"thumbnails", len(result.Thumbnails),
		"relays_accepted", accepted,
		"relays", len(result.Relays),
		"elapsed", w.now().Sub(started).Round(time.Millisecond),
	)
	return result, nil
}

func (w *ThumbnailWorkflow) metadata(ctx context.Context, src string) (*extract.Metadata, error) {
	ctx, span := observability.StartStageSpan(ctx, "metadata")
	defer span.End()

	meta, err := w.extractor.Metadata(ctx, src)
	span.RecordError(err)
	return meta, err
}

func (w *ThumbnailWorkflow) thumbnails(ctx context.Context, req dvm.JobRequest, duration time.Duration, ws extract.Workspace) ([]string, error) {
	ctx, span := observability.StartStageSpan(ctx, "extract")
	defer span.End()

	paths, err := w.extractor.Thumbnails(ctx, req.URL, duration, req.ThumbnailCount, req.Format, ws)
	if err == nil && len(paths) != req.ThumbnailCount {
		err = fmt.Errorf("expected %d thumbnails, got %d", req.ThumbnailCount, len(paths))
	}
	span.RecordError(err)
	return paths, err
}

func (w *ThumbnailWorkflow) upload(ctx context.Context, path string, format dvm.ImageFormat) (*dvm.BlobDescriptor, error) {
	ctx, span := observability.StartStageSpan(ctx, "upload")
	defer span.End()

	blob, err := w.uploader.Upload(ctx, path, format.MimeType())
	if err != nil {
		span.RecordError(err)
		w.countUpload("error", 0)
		return nil, err
	}

	size := blob.Size
	if size == 0 {
		if info, statErr := os.Stat(path); statErr == nil {
			size = info.Size()
		}
	}
	w.countUpload("ok", size)
	w.log.InfoContext(ctx, "uploaded thumbnail", "url", blob.URL, "sha256", blob.SHA256, "size", humanize.Bytes(uint64(size)))
	return blob, nil
}

func (w *ThumbnailWorkflow) compose(req dvm.JobRequest, meta *extract.Metadata, blobs []dvm.BlobDescriptor) (nostr.Event, error) {
	requestJSON, err := json.Marshal(req.Request)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("encode request: %w", err)
	}

	tags := nostr.Tags{
		{dvm.TagRequest, string(requestJSON)},
		{dvm.TagEvent, req.Request.ID},
		{dvm.TagPubKey, req.Request.PubKey},
		req.InputTag,
	}
	tags = append(tags, MetadataTags(meta)...)
	for _, b := range blobs {
		tags = append(tags, nostr.Tag{dvm.TagThumb, b.URL}, nostr.Tag{dvm.TagHash, b.SHA256})
	}

	ev := nostr.Event{
		Kind:      dvm.KindThumbnailResult,
		CreatedAt: nostr.Timestamp(w.now().Unix()),
		Tags:      tags,
		Content:   "",
	}

	ev, err = w.sealer.EncryptIfNeeded(ev, req.Request.PubKey, req.WasEncrypted)
	if err != nil {
		return nostr.Event{}, fmt.Errorf("seal result: %w", err)
	}
	if err := w.signer.SignEvent(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("sign result: %w", err)
	}
	return ev, nil
}

// targets is the deduplicated union of the requester's relays and the defaults
func (w *ThumbnailWorkflow) targets(requested []string) []string {
	all := lo.Map(append(append([]string{}, requested...), w.defaultRelays...), func(u string, _ int) string {
		return nostr.NormalizeURL(u)
	})
	return lo.Uniq(lo.Compact(all))
}

func (w *ThumbnailWorkflow) countUpload(result string, size int64) {
	if w.metrics == nil {
		return
	}
	w.metrics.Uploads.WithLabelValues(result).Inc()
	if size > 0 {
		w.metrics.UploadBytes.Add(float64(size))
	}
}

// MetadataTags renders dim, duration and size tags, skipping unknown values
func MetadataTags(meta *extract.Metadata) nostr.Tags {
	var tags nostr.Tags
	if meta == nil {
		return tags
	}
	if meta.Width > 0 && meta.Height > 0 {
		tags = append(tags, nostr.Tag{dvm.TagDim, fmt.Sprintf("%dx%d", meta.Width, meta.Height)})
	}
	if meta.Duration > 0 {
		tags = append(tags, nostr.Tag{dvm.TagDuration, strconv.FormatInt(int64(meta.Duration/time.Second), 10)})
	}
	if meta.Size > 0 {
		tags = append(tags, nostr.Tag{dvm.TagSize, strconv.FormatInt(meta.Size, 10)})
	}
	return tags
}
