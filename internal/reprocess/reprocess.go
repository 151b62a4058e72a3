// Package reprocess drains the failed-reward queue. Workers coordinate only
// through the per-record lease; any number may run at once.
package reprocess

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"civicforge/internal/domain"
	"civicforge/internal/ledger"
	"civicforge/internal/repo"
)

const (
	defaultBatchSize   = 25
	defaultConcurrency = 4
	defaultLease       = 5 * time.Minute
	defaultMaxAttempts = 5
	defaultInterval    = 5 * time.Minute
)

var tracer = otel.Tracer("civicforge/reprocess")

// Config controls one worker.
type Config struct {
	WorkerID         string
	BatchSize        int
	Concurrency      int
	LeaseDuration    time.Duration
	MaxRetryAttempts int
	Interval         time.Duration
}

func (c Config) normalized() Config {
	c.WorkerID = strings.TrimSpace(c.WorkerID)
	if c.WorkerID == "" {
		c.WorkerID = "reprocessor-" + uuid.NewString()
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = defaultLease
	}
	if c.MaxRetryAttempts <= 0 {
		c.MaxRetryAttempts = defaultMaxAttempts
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	return c
}

// Summary counts the outcomes of one run. Processed is the number of
// candidates examined; every candidate lands in exactly one other bucket.
type Summary struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeAbandoned
)

type Worker struct {
	Repo   repo.Repo
	Ledger ledger.Ledger
	Config Config
	Now    func() time.Time
	Logger *slog.Logger
}

func New(r repo.Repo, l ledger.Ledger, cfg Config) *Worker {
	return &Worker{Repo: r, Ledger: l, Config: cfg.normalized(), Now: time.Now}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// ID returns the lease owner name this worker writes.
func (w *Worker) ID() string {
	return w.Config.WorkerID
}

// RunOnce processes one batch of leasable records.
func (w *Worker) RunOnce(ctx context.Context) (Summary, error) {
	cfg := w.Config.normalized()
	// run on a copy so concurrent RunOnce calls on one Worker do not race
	run := *w
	run.Config = cfg
	ctx, span := tracer.Start(ctx, "reprocess.RunOnce", trace.WithAttributes(attribute.String("worker.id", cfg.WorkerID)))
	defer span.End()

	candidates, err := w.Repo.ListLeasableFailedRewards(ctx, w.now(), cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		return Summary{}, err
	}
	outcomes := make([]outcome, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for i, fr := range candidates {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[i] = run.processOne(gctx, fr.ID)
			return nil
		})
	}
	err = g.Wait()

	var sum Summary
	sum.Processed = len(candidates)
	for _, o := range outcomes {
		switch o {
		case outcomeSucceeded:
			sum.Succeeded++
		case outcomeFailed:
			sum.Failed++
		case outcomeAbandoned:
			sum.Abandoned++
		default:
			sum.Skipped++
		}
	}
	span.SetAttributes(
		attribute.Int("reprocess.processed", sum.Processed),
		attribute.Int("reprocess.succeeded", sum.Succeeded),
		attribute.Int("reprocess.failed", sum.Failed),
		attribute.Int("reprocess.abandoned", sum.Abandoned),
		attribute.Int("reprocess.skipped", sum.Skipped),
	)
	return sum, err
}

func (w *Worker) processOne(ctx context.Context, id string) outcome {
	cfg := w.Config
	log := w.logger().With(slog.String("reward_id", id), slog.String("worker_id", cfg.WorkerID))

	ok, err := w.Repo.AcquireFailedRewardLease(ctx, id, cfg.WorkerID, w.now(), cfg.LeaseDuration)
	if err != nil {
		log.Warn("lease acquisition failed", slog.String("error", err.Error()))
		return outcomeSkipped
	}
	if !ok {
		log.Debug("lease held elsewhere")
		return outcomeSkipped
	}

	fr, err := w.Repo.GetFailedReward(ctx, id)
	if err != nil {
		log.Warn("reload leased reward failed", slog.String("error", err.Error()))
		w.release(ctx, id, log)
		return outcomeSkipped
	}

	if fr.RetryCount >= cfg.MaxRetryAttempts {
		if _, err := w.Repo.AbandonFailedReward(ctx, id, cfg.WorkerID, "retry limit reached", w.now()); err != nil {
			log.Warn("abandon failed", slog.String("error", err.Error()))
			return outcomeSkipped
		}
		log.Error("reward abandoned", slog.Int("retry_count", fr.RetryCount), slog.String("user_id", fr.UserID))
		return outcomeAbandoned
	}

	seen, err := w.Repo.HasProcessedReward(ctx, fr.UserID, fr.ID)
	if err == nil && seen {
		w.resolve(ctx, fr, log)
		log.Info("reward already applied; resolved without credit")
		return outcomeSucceeded
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return w.retry(ctx, fr, err, log)
	}

	if err := w.Ledger.CreditRewards(ctx, fr.UserID, fr.ID, fr.Experience, fr.Reputation, fr.QuestPoints); err != nil {
		return w.retry(ctx, fr, err, log)
	}
	w.resolve(ctx, fr, log)
	log.Info("reward applied", slog.String("user_id", fr.UserID), slog.Int("experience", fr.Experience), slog.Int("reputation", fr.Reputation))
	return outcomeSucceeded
}

// resolve marks fr resolved. The credit is already durable, so a failure
// here only leaves the record pending for the next run to resolve.
func (w *Worker) resolve(ctx context.Context, fr domain.FailedReward, log *slog.Logger) {
	ok, err := w.Repo.ResolveFailedReward(ctx, fr.ID, w.Config.WorkerID, w.now())
	if err != nil {
		log.Warn("resolve failed", slog.String("error", err.Error()))
		return
	}
	if !ok {
		log.Warn("resolve not applied; lease lost")
	}
}

func (w *Worker) retry(ctx context.Context, fr domain.FailedReward, cause error, log *slog.Logger) outcome {
	maxAttempts := w.Config.MaxRetryAttempts
	ok, err := w.Repo.RetryFailedReward(ctx, fr.ID, w.Config.WorkerID, cause.Error(), w.now(), maxAttempts)
	if err != nil || !ok {
		if err != nil {
			log.Warn("record retry failed", slog.String("error", err.Error()))
		}
		// the lease expires on its own; count the attempt as failed
		return outcomeFailed
	}
	if fr.RetryCount+1 >= maxAttempts {
		log.Error("reward abandoned", slog.Int("retry_count", fr.RetryCount+1), slog.String("error", cause.Error()))
		return outcomeAbandoned
	}
	log.Warn("reward credit failed; will retry", slog.Int("retry_count", fr.RetryCount+1), slog.String("error", cause.Error()))
	return outcomeFailed
}

func (w *Worker) release(ctx context.Context, id string, log *slog.Logger) {
	if _, err := w.Repo.ReleaseFailedRewardLease(ctx, id, w.Config.WorkerID); err != nil {
		log.Warn("release lease failed", slog.String("error", err.Error()))
	}
}

// RunLoop runs a batch immediately and then every Interval until ctx is done.
func (w *Worker) RunLoop(ctx context.Context) error {
	w.Config = w.Config.normalized()
	ticker := time.NewTicker(w.Config.Interval)
	defer ticker.Stop()
	for {
		sum, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger().Error("reprocess run failed", slog.String("error", err.Error()))
		} else if sum.Processed > 0 {
			w.logger().Info("reprocess run complete",
				slog.Int("processed", sum.Processed),
				slog.Int("succeeded", sum.Succeeded),
				slog.Int("failed", sum.Failed),
				slog.Int("abandoned", sum.Abandoned),
				slog.Int("skipped", sum.Skipped))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
