package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tendant/simple-thumbnail-dvm/internal/blossom"
	"github.com/tendant/simple-thumbnail-dvm/internal/dedupe"
	"github.com/tendant/simple-thumbnail-dvm/internal/envelope"
	"github.com/tendant/simple-thumbnail-dvm/internal/extract"
	"github.com/tendant/simple-thumbnail-dvm/internal/handlers"
	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
	"github.com/tendant/simple-thumbnail-dvm/internal/relay"
	"github.com/tendant/simple-thumbnail-dvm/internal/retention"
	"github.com/tendant/simple-thumbnail-dvm/internal/workflows"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// extra time ids stay in the dedup window beyond the relay look-back. A
// request dated up to MaxClockSkew ahead is re-delivered until its created_at
// passes the look-back, so the window must cover the skew as well.
const dedupMargin = time.Hour

func dedupWindow(lookback time.Duration) time.Duration {
	return lookback + workflows.MaxClockSkew + dedupMargin
}

// Config holds the configuration for initializing the worker
type Config struct {
	SecretKey     string        // worker identity, hex
	Relays        []string      // relays to listen on and publish to
	BlossomServer string        // blob server for thumbnails
	Lookback      time.Duration // subscription look-back and staleness horizon
	SweepInterval time.Duration // subscription reconnect interval

	Retention         time.Duration // blob age before deletion
	RetentionInterval time.Duration

	Concurrency  int
	QueueTimeout time.Duration
	JobTimeout   time.Duration
	WorkDir      string

	FFmpegPath  string
	FFprobePath string
	MaxEdge     int

	LedgerDriver string // "", sqlite or postgres
	LedgerDSN    string

	Logger *slog.Logger

	// Test seams; production leaves them nil
	Dialer    relay.Dialer
	Extractor workflows.Extractor
}

// Runner is an assembled thumbnail worker
type Runner struct {
	cfg           Config
	signer        *dvm.KeySigner
	metrics       *metrics.Metrics
	tracker       *dedupe.Tracker
	intake        *handlers.Intake
	subscriptions *relay.Manager
	sweeper       *retention.Sweeper
	log           *slog.Logger
}

// New creates and wires a worker. Nothing runs until Run is called.
func New(ctx context.Context, cfg Config) (*Runner, error) {
	if len(cfg.Relays) == 0 {
		return nil, errors.New("at least one relay is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = relay.NostrDialer{}
	}
	if cfg.Extractor == nil {
		cfg.Extractor = extract.NewFFmpeg(extract.Options{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			MaxEdge:     cfg.MaxEdge,
		})
	}

	signer, err := dvm.NewKeySigner(cfg.SecretKey)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:     cfg,
		signer:  signer,
		metrics: metrics.New(),
		log:     cfg.Logger,
	}

	// Optional durable ledger
	var ledger handlers.Ledger
	if cfg.LedgerDriver != "" {
		r.tracker, err = dedupe.OpenTracker(ctx, cfg.LedgerDriver, cfg.LedgerDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open job ledger: %w", err)
		}
		ledger = r.tracker
	}

	blobs := blossom.NewClient(cfg.BlossomServer, blossom.NewIssuer(signer))
	codec := envelope.NewCodec(cfg.SecretKey)

	thumbnailWorkflow := workflows.NewThumbnailWorkflow(
		cfg.Extractor,
		blobs,
		relay.NewPublisher(cfg.Dialer, cfg.Logger, r.metrics),
		codec,
		signer,
		workflows.ThumbnailOptions{
			WorkDir:       cfg.WorkDir,
			DefaultRelays: cfg.Relays,
			Logger:        cfg.Logger,
			Metrics:       r.metrics,
		},
	)

	gate := dedupe.NewGate(dedupWindow(cfg.Lookback))
	r.metrics.WatchDedupWindow(gate.Len)

	r.intake = handlers.NewIntake(
		gate,
		workflows.NewValidator(codec, cfg.Lookback),
		thumbnailWorkflow,
		handlers.IntakeOptions{
			Concurrency:  cfg.Concurrency,
			QueueTimeout: cfg.QueueTimeout,
			JobTimeout:   cfg.JobTimeout,
			Ledger:       ledger,
			Logger:       cfg.Logger,
			Metrics:      r.metrics,
		},
	)

	r.subscriptions = relay.NewManager(cfg.Dialer, r.intake.Handle, relay.Options{
		Relays:   cfg.Relays,
		Interval: cfg.SweepInterval,
		Lookback: cfg.Lookback,
		Logger:   cfg.Logger,
		Metrics:  r.metrics,
	})

	r.sweeper = retention.NewSweeper(blobs, signer.PublicKey(), cfg.Retention, cfg.RetentionInterval, cfg.Logger, r.metrics)

	r.log.Info("registered workflow", "workflow", thumbnailWorkflow.Name(), "kind", dvm.KindThumbnailRequest)
	return r, nil
}

// PublicKey is the worker identity requesters address
func (r *Runner) PublicKey() string {
	return r.signer.PublicKey()
}

// Run listens for requests and sweeps expired blobs until ctx is done.
// In-flight jobs are not waited for.
func (r *Runner) Run(ctx context.Context) error {
	go func() {
		if err := r.sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log.Error("retention sweeper stopped", "error", err)
		}
	}()

	r.log.Info("thumbnail worker started",
		"pubkey", r.PublicKey(),
		"relays", r.cfg.Relays,
		"blossom", r.cfg.BlossomServer,
		"concurrency", r.cfg.Concurrency,
		"retention", r.cfg.Retention,
	)
	return r.subscriptions.Run(ctx)
}

// OpsHandler serves health, metrics, relay and job endpoints
func (r *Runner) OpsHandler() http.Handler {
	var jobs handlers.JobLookup
	if r.tracker != nil {
		jobs = r.tracker
	}
	return handlers.NewOpsHandler(r.subscriptions, jobs, r.metrics.Handler(), r.log).Routes()
}

// Wait blocks until every job started so far has finished
func (r *Runner) Wait() {
	r.intake.Wait()
}

// Shutdown releases the ledger
func (r *Runner) Shutdown() error {
	if r.tracker != nil {
		return r.tracker.Close()
	}
	return nil
}
