package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

type fakeRegistry struct {
	mu     sync.Mutex
	nextID int
	jobs   map[string]tracker.Job

	createErr error
	failErr   error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{jobs: map[string]tracker.Job{}}
}

func (r *fakeRegistry) CreateJob(_ context.Context, target tracker.Target) (tracker.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return tracker.Job{}, r.createErr
	}
	r.nextID++
	job := tracker.Job{
		ID:        fmt.Sprintf("job-%d", r.nextID),
		WebCode:   target.WebCode,
		URL:       target.URL,
		Status:    tracker.JobStatusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	r.jobs[job.ID] = job
	return job, nil
}

func (r *fakeRegistry) MarkInProgress(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return tracker.ErrNotFound
	}
	if job.Status != tracker.JobStatusPending {
		return tracker.ErrInvalidTransition
	}
	job.Status = tracker.JobStatusInProgress
	job.UpdatedAt = time.Now()
	r.jobs[jobID] = job
	return nil
}

func (r *fakeRegistry) Complete(_ context.Context, jobID string, result tracker.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return tracker.ErrNotFound
	}
	if job.Status.Terminal() {
		return tracker.ErrInvalidTransition
	}
	job.Status = tracker.JobStatusComplete
	job.Result = &result
	job.UpdatedAt = time.Now()
	r.jobs[jobID] = job
	return nil
}

func (r *fakeRegistry) Fail(_ context.Context, jobID string, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failErr != nil {
		return r.failErr
	}
	job, ok := r.jobs[jobID]
	if !ok {
		return tracker.ErrNotFound
	}
	if job.Status.Terminal() {
		return tracker.ErrInvalidTransition
	}
	job.Status = tracker.JobStatusFailed
	job.Error = message
	job.UpdatedAt = time.Now()
	r.jobs[jobID] = job
	return nil
}

func (r *fakeRegistry) GetJob(_ context.Context, jobID string) (tracker.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return tracker.Job{}, tracker.ErrNotFound
	}
	return job, nil
}

func (r *fakeRegistry) job(t *testing.T, jobID string) tracker.Job {
	t.Helper()
	job, err := r.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	return job
}

type fakeQueue struct {
	mu         sync.Mutex
	items      []tracker.QueueItem
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, item tracker.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.items = append(q.items, item)
	return nil
}

func (q *fakeQueue) Dequeue(context.Context) (tracker.Delivery, error) {
	panic("not used in these tests")
}

func TestSubmitCreatesPendingJobAndEnqueues(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	queue := &fakeQueue{}
	d := New(registry, queue, zap.NewNop())

	job, err := d.Submit(context.Background(), tracker.Target{WebCode: "16004374"})
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusPending, job.Status)

	require.Len(t, queue.items, 1)
	require.Equal(t, tracker.QueueItem{
		JobID:   job.ID,
		WebCode: "16004374",
		Attempt: 1,
	}, queue.items[0])
}

func TestSubmitLeavesTerminalJobCounterAlone(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	d := New(registry, &fakeQueue{}, zap.NewNop())

	_, err := d.Submit(context.Background(), tracker.Target{WebCode: "16004374"})
	require.NoError(t, err)

	// tracker_jobs_total counts terminal states only; submitting a job must
	// not record a Pending sample.
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "tracker_jobs_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "status" {
					require.NotEqual(t, string(tracker.JobStatusPending), label.GetValue())
				}
			}
		}
	}
}

func TestSubmitRejectsConflictingTarget(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	d := New(registry, &fakeQueue{}, zap.NewNop())

	_, err := d.Submit(context.Background(), tracker.Target{WebCode: "1", URL: "https://x"})
	require.ErrorIs(t, err, tracker.ErrValidation)

	_, err = d.Submit(context.Background(), tracker.Target{})
	require.ErrorIs(t, err, tracker.ErrValidation)

	require.Empty(t, registry.jobs)
}

func TestSubmitFailsOrphanedJobWhenEnqueueFails(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	queue := &fakeQueue{enqueueErr: fmt.Errorf("%w: broker down", tracker.ErrQueueUnavailable)}
	d := New(registry, queue, zap.NewNop())

	_, err := d.Submit(context.Background(), tracker.Target{WebCode: "16004374"})
	require.ErrorIs(t, err, tracker.ErrQueueUnavailable)

	// The job record must not stay Pending with no queued message behind it.
	require.Len(t, registry.jobs, 1)
	for id := range registry.jobs {
		job := registry.job(t, id)
		require.Equal(t, tracker.JobStatusFailed, job.Status)
		require.Contains(t, job.Error, "queue unavailable")
	}
}

func TestSubmitPropagatesRegistryFailure(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	registry.createErr = fmt.Errorf("%w: pg down", tracker.ErrStorageUnavailable)
	queue := &fakeQueue{}
	d := New(registry, queue, zap.NewNop())

	_, err := d.Submit(context.Background(), tracker.Target{WebCode: "16004374"})
	require.ErrorIs(t, err, tracker.ErrStorageUnavailable)
	require.Empty(t, queue.items)
}
