package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// Store lists and deletes the worker's blobs
type Store interface {
	List(ctx context.Context, pubkey string) ([]dvm.BlobDescriptor, error)
	Delete(ctx context.Context, sha256 string) error
}

// Report summarizes one sweep
type Report struct {
	Listed  int
	Expired int
	Deleted int
	Failed  int
	Undated int // blobs without an upload time, never deleted
}

// Sweeper deletes blobs older than the retention horizon
type Sweeper struct {
	store     Store
	owner     string
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewSweeper creates a sweeper for blobs owned by owner. m may be nil.
func NewSweeper(store Store, owner string, retention, interval time.Duration, log *slog.Logger, m *metrics.Metrics) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:     store,
		owner:     owner,
		retention: retention,
		interval:  interval,
		log:       log.With("component", "retention"),
		metrics:   m,
		now:       time.Now,
	}
}

// Run sweeps at startup and then on every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.WarnContext(ctx, "retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep lists the owner's blobs once and deletes the expired ones. Only a
// listing failure is returned; per-blob failures are logged and counted.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	blobs, err := s.store.List(ctx, s.owner)
	if err != nil {
		return report, err
	}
	report.Listed = len(blobs)

	cutoff := s.now().Add(-s.retention).Unix()
	var freed int64
	for _, blob := range blobs {
		uploaded := blob.UploadedAt()
		if uploaded == 0 {
			report.Undated++
			s.log.WarnContext(ctx, "skipping blob without upload time", "sha256", blob.SHA256)
			continue
		}
		if uploaded >= cutoff {
			continue
		}
		report.Expired++

		if err := s.store.Delete(ctx, blob.SHA256); err != nil {
			report.Failed++
			s.count("error")
			s.log.WarnContext(ctx, "failed to delete expired blob", "sha256", blob.SHA256, "error", err)
			continue
		}
		report.Deleted++
		freed += blob.Size
		s.count("ok")
		s.log.DebugContext(ctx, "deleted expired blob", "sha256", blob.SHA256, "created", time.Unix(uploaded, 0).UTC())
	}

	if s.metrics != nil {
		s.metrics.RetentionLastSwept.SetToCurrentTime()
	}
	s.log.InfoContext(ctx, "retention sweep finished",
		"listed", report.Listed,
		"expired", report.Expired,
		"deleted", report.Deleted,
		"failed", report.Failed,
		"undated", report.Undated,
		"freed", humanize.Bytes(uint64(freed)),
	)
	return report, nil
}

func (s *Sweeper) count(result string) {
	if s.metrics != nil {
		s.metrics.RetentionDeletes.WithLabelValues(result).Inc()
	}
}
