package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/metrics"
	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// maxErrorLen bounds the error text stored on a failed job.
const maxErrorLen = 500

// WorkerConfig tunes a consumer.
type WorkerConfig struct {
	// ScrapeTimeout bounds one scrape execution.
	ScrapeTimeout time.Duration
	// MaxAttempts is the delivery count after which a job is dead-lettered
	// instead of scraped again.
	MaxAttempts int
}

// Worker consumes queue deliveries and drives each job to a terminal state.
// Every failure path acks the message: jobs are never auto-retried, a new
// scrape request is the retry mechanism. Redelivery happens only when a
// worker dies mid-job and the claim expires.
type Worker struct {
	cfg      WorkerConfig
	registry tracker.Registry
	queue    tracker.Queue
	scraper  tracker.Scraper
	gateway  tracker.Gateway
	logger   *zap.Logger
}

// NewWorker builds a Worker.
func NewWorker(
	cfg WorkerConfig,
	registry tracker.Registry,
	queue tracker.Queue,
	scraper tracker.Scraper,
	gateway tracker.Gateway,
	logger *zap.Logger,
) *Worker {
	if cfg.ScrapeTimeout <= 0 {
		cfg.ScrapeTimeout = 90 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		registry: registry,
		queue:    queue,
		scraper:  scraper,
		gateway:  gateway,
		logger:   logger,
	}
}

// Run consumes deliveries until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	for {
		delivery, err := w.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(ctx, delivery)
	}
}

// handle processes one delivery. A panic while handling a single job must
// not take down the consumer loop.
func (w *Worker) handle(ctx context.Context, delivery tracker.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic while handling job",
				zap.String("job_id", delivery.Item.JobID),
				zap.Any("panic", r),
			)
			w.failAndAck(ctx, delivery, fmt.Sprintf("internal error: %v", r))
		}
	}()

	item := delivery.Item
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.Int("attempt", item.Attempt))

	job, err := w.registry.GetJob(ctx, item.JobID)
	switch {
	case errors.Is(err, tracker.ErrNotFound):
		// Nothing to do for a message whose job record is gone.
		logger.Warn("dropping message for unknown job")
		w.ack(ctx, delivery)
		return
	case err != nil:
		// Storage hiccup: leave the message claimed, the reaper redelivers.
		logger.Error("job lookup failed", zap.Error(err))
		return
	case job.Status.Terminal():
		// Duplicate delivery of finished work.
		logger.Info("skipping terminal job", zap.String("status", string(job.Status)))
		w.ack(ctx, delivery)
		return
	}

	if item.Attempt > w.cfg.MaxAttempts {
		logger.Warn("dead-lettering job after too many deliveries")
		w.failAndAck(ctx, delivery,
			fmt.Sprintf("abandoned after %d delivery attempts", item.Attempt-1))
		return
	}

	if err := w.registry.MarkInProgress(ctx, item.JobID); err != nil {
		if errors.Is(err, tracker.ErrInvalidTransition) || errors.Is(err, tracker.ErrNotFound) {
			logger.Warn("cannot start job", zap.Error(err))
			w.ack(ctx, delivery)
			return
		}
		logger.Error("mark in progress failed", zap.Error(err))
		return
	}

	metrics.JobStarted()
	defer metrics.JobFinished()

	scrapeCtx, cancel := context.WithTimeout(ctx, w.cfg.ScrapeTimeout)
	product, err := w.scraper.Execute(scrapeCtx, item.Target())
	cancel()
	if err != nil {
		logger.Warn("scrape failed", zap.Error(err))
		w.failAndAck(ctx, delivery, truncate(err.Error(), maxErrorLen))
		return
	}

	if _, err := w.gateway.Save(ctx, product); err != nil {
		// Both the full and the partial write failure end the job Failed;
		// on a partial write the canonical row is still queryable.
		logger.Error("persist failed", zap.Error(err))
		w.failAndAck(ctx, delivery, truncate(err.Error(), maxErrorLen))
		return
	}

	if err := w.registry.Complete(ctx, item.JobID, product); err != nil {
		if errors.Is(err, tracker.ErrInvalidTransition) {
			logger.Info("job finished elsewhere")
			w.ack(ctx, delivery)
			return
		}
		logger.Error("complete failed", zap.Error(err))
		return
	}

	metrics.ObserveJob(string(tracker.JobStatusComplete))
	logger.Info("job complete",
		zap.String("web_code", product.WebCode),
		zap.Int64("price", product.Price),
	)
	w.ack(ctx, delivery)
}

func (w *Worker) failAndAck(ctx context.Context, delivery tracker.Delivery, message string) {
	err := w.registry.Fail(ctx, delivery.Item.JobID, message)
	switch {
	case err == nil:
		metrics.ObserveJob(string(tracker.JobStatusFailed))
	case errors.Is(err, tracker.ErrInvalidTransition):
		// Already terminal; nothing to record.
	default:
		w.logger.Error("fail transition failed",
			zap.String("job_id", delivery.Item.JobID),
			zap.Error(err),
		)
	}
	w.ack(ctx, delivery)
}

func (w *Worker) ack(ctx context.Context, delivery tracker.Delivery) {
	if err := delivery.Ack(ctx); err != nil {
		w.logger.Error("ack failed",
			zap.String("job_id", delivery.Item.JobID),
			zap.Error(err),
		)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// RunWorkers starts n copies of the worker and blocks until all exit.
func RunWorkers(ctx context.Context, n int, build func() *Worker) {
	if n <= 0 {
		n = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = build().Run(ctx)
		}()
	}
	wg.Wait()
}
