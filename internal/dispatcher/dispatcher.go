// Package dispatcher connects the job registry to the work queue: the
// producer side turns a scrape request into a Pending job plus a queued
// message, and the consumer side drives the scraper and persistence for
// each delivered message.
package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

// Dispatcher is the producer side.
type Dispatcher struct {
	registry tracker.Registry
	queue    tracker.Queue
	logger   *zap.Logger
}

// New builds a Dispatcher.
func New(registry tracker.Registry, queue tracker.Queue, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, queue: queue, logger: logger}
}

// Submit creates a Pending job and enqueues it for a worker. If the enqueue
// fails after the job record exists, the job is failed immediately: a
// Pending job with no queued message would otherwise stay Pending forever.
func (d *Dispatcher) Submit(ctx context.Context, target tracker.Target) (tracker.Job, error) {
	if err := target.Validate(); err != nil {
		return tracker.Job{}, err
	}

	job, err := d.registry.CreateJob(ctx, target)
	if err != nil {
		return tracker.Job{}, err
	}

	item := tracker.QueueItem{
		JobID:   job.ID,
		WebCode: target.WebCode,
		URL:     target.URL,
		Attempt: 1,
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		d.logger.Error("enqueue failed after job creation, failing job",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		message := fmt.Sprintf("queue unavailable: %v", err)
		if failErr := d.registry.Fail(ctx, job.ID, message); failErr != nil {
			d.logger.Error("could not fail orphaned job",
				zap.String("job_id", job.ID),
				zap.Error(failErr),
			)
		}
		return tracker.Job{}, err
	}

	d.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.String("web_code", target.WebCode),
		zap.String("url", target.URL),
	)
	return job, nil
}
