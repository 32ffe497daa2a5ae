package handlers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/semaphore"

	"github.com/tendant/simple-thumbnail-dvm/internal/dedupe"
	"github.com/tendant/simple-thumbnail-dvm/internal/metrics"
	"github.com/tendant/simple-thumbnail-dvm/internal/observability"
	"github.com/tendant/simple-thumbnail-dvm/internal/workflows"
	"github.com/tendant/simple-thumbnail-dvm/pkg/dvm"
)

// Ledger states written by the intake in addition to the workflow states
const (
	StateReceived = "received"
	StateInvalid  = "invalid"
	StateRejected = "rejected"
)

// ErrQueueTimeout is recorded when a job waited too long for a worker slot
var ErrQueueTimeout = errors.New("no worker slot available")

// Acceptor validates inbound request events
type Acceptor interface {
	Accept(ev nostr.Event) (dvm.JobRequest, error)
}

// Ledger persists request ids across restarts
type Ledger interface {
	Record(ctx context.Context, requestID, requester, state string) (int, error)
	Finish(ctx context.Context, requestID, state string, jobErr error) error
}

// IntakeOptions configure an Intake
type IntakeOptions struct {
	Concurrency  int
	QueueTimeout time.Duration
	JobTimeout   time.Duration
	Ledger       Ledger
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Intake is the single entry point for request events from every relay
type Intake struct {
	gate         *dedupe.Gate
	acceptor     Acceptor
	workflow     workflows.Workflow
	ledger       Ledger
	slots        *semaphore.Weighted
	queueTimeout time.Duration
	jobTimeout   time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
	wg           sync.WaitGroup
}

// NewIntake creates the intake pipeline
func NewIntake(gate *dedupe.Gate, acceptor Acceptor, workflow workflows.Workflow, opts IntakeOptions) *Intake {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Intake{
		gate:         gate,
		acceptor:     acceptor,
		workflow:     workflow,
		ledger:       opts.Ledger,
		slots:        semaphore.NewWeighted(int64(opts.Concurrency)),
		queueTimeout: opts.QueueTimeout,
		jobTimeout:   opts.JobTimeout,
		log:          opts.Logger.With("component", "intake"),
		metrics:      opts.Metrics,
	}
}

// Handle admits ev at most once, validates it and starts its job on a new
// goroutine. It never blocks on job execution.
func (in *Intake) Handle(ctx context.Context, ev *nostr.Event) {
	if ev == nil {
		return
	}
	if !in.gate.ShouldProcess(ev.ID) {
		in.count(metrics.OutcomeDuplicate)
		return
	}

	// jobs outlive the relay subscription that delivered them
	ctx = observability.WithJob(context.WithoutCancel(ctx), ev.ID, "")

	if in.ledger != nil {
		seen, err := in.ledger.Record(ctx, ev.ID, ev.PubKey, StateReceived)
		if err != nil {
			in.log.WarnContext(ctx, "ledger record failed", "error", err)
		} else if seen > 1 {
			in.log.InfoContext(ctx, "request already taken by an earlier run", "seen", seen)
			in.count(metrics.OutcomeDuplicate)
			return
		}
	}

	job, err := in.acceptor.Accept(*ev)
	if err != nil {
		in.log.InfoContext(ctx, "skipped request", "reason", err)
		in.count(metrics.OutcomeInvalid)
		in.finish(ctx, ev.ID, StateInvalid, err)
		return
	}

	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.run(ctx, job)
	}()
}

func (in *Intake) run(ctx context.Context, job dvm.JobRequest) {
	id := job.Request.ID

	waitCtx := ctx
	if in.queueTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, in.queueTimeout)
		defer cancel()
	}
	if err := in.slots.Acquire(waitCtx, 1); err != nil {
		in.log.WarnContext(ctx, "rejected request, all workers busy", "waited", in.queueTimeout)
		in.count(metrics.OutcomeRejected)
		in.finish(ctx, id, StateRejected, ErrQueueTimeout)
		return
	}
	defer in.slots.Release(1)

	if in.metrics != nil {
		in.metrics.JobsInFlight.Inc()
		defer in.metrics.JobsInFlight.Dec()
	}

	runID := uuid.NewString()
	jobCtx := observability.WithJob(ctx, id, runID)
	if in.jobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(jobCtx, in.jobTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := in.workflow.Execute(&workflows.WorkflowContext{
		Ctx:     jobCtx,
		Request: job,
		RunID:   runID,
	})
	if in.metrics != nil {
		in.metrics.JobDuration.Observe(time.Since(started).Seconds())
	}

	state := string(workflows.StateFailed)
	if result != nil {
		state = string(result.State)
	}
	if err != nil {
		in.count(metrics.OutcomeFailed)
	} else {
		in.count(metrics.OutcomePublished)
	}
	in.finish(jobCtx, id, state, err)
}

// Wait blocks until every started job has finished
func (in *Intake) Wait() {
	in.wg.Wait()
}

func (in *Intake) finish(ctx context.Context, id, state string, jobErr error) {
	if in.ledger == nil {
		return
	}
	if err := in.ledger.Finish(context.WithoutCancel(ctx), id, state, jobErr); err != nil {
		in.log.WarnContext(ctx, "ledger finish failed", "error", err)
	}
}

func (in *Intake) count(outcome string) {
	if in.metrics != nil {
		in.metrics.Jobs.WithLabelValues(outcome).Inc()
	}
}
