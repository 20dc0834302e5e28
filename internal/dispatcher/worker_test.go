package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

type fakeScraper struct {
	mu      sync.Mutex
	product tracker.Product
	err     error
	calls   int
}

func (s *fakeScraper) Execute(_ context.Context, target tracker.Target) (tracker.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return tracker.Product{}, s.err
	}
	p := s.product
	if p.WebCode == "" {
		p.WebCode = target.WebCode
	}
	return p, nil
}

type fakeGateway struct {
	mu      sync.Mutex
	saveErr error
	saved   []tracker.Product
}

func (g *fakeGateway) Save(_ context.Context, p tracker.Product) (tracker.SaveResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.saveErr != nil {
		return tracker.SaveResult{}, g.saveErr
	}
	g.saved = append(g.saved, p)
	return tracker.SaveResult{ProductID: int64(len(g.saved)), HistoryAppended: true}, nil
}

func (g *fakeGateway) GetAllProducts(context.Context) ([]tracker.Product, error) {
	return nil, nil
}

func (g *fakeGateway) GetProduct(context.Context, tracker.ProductSelector) (tracker.Product, error) {
	return tracker.Product{}, tracker.ErrNotFound
}

func (g *fakeGateway) GetPriceHistory(context.Context, string) ([]tracker.PriceEntry, error) {
	return nil, nil
}

type ackTracker struct {
	mu     sync.Mutex
	acked  bool
	nacked bool
}

func (a *ackTracker) delivery(item tracker.QueueItem) tracker.Delivery {
	return tracker.Delivery{
		Item: item,
		Ack: func(context.Context) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.acked = true
			return nil
		},
		Nack: func(context.Context) error {
			a.mu.Lock()
			defer a.mu.Unlock()
			a.nacked = true
			return nil
		},
	}
}

func newTestWorker(registry tracker.Registry, scraper tracker.Scraper, gateway tracker.Gateway) *Worker {
	return NewWorker(WorkerConfig{
		ScrapeTimeout: time.Second,
		MaxAttempts:   3,
	}, registry, &fakeQueue{}, scraper, gateway, zap.NewNop())
}

func submitPending(t *testing.T, registry *fakeRegistry, target tracker.Target) tracker.QueueItem {
	t.Helper()
	job, err := registry.CreateJob(context.Background(), target)
	require.NoError(t, err)
	return tracker.QueueItem{JobID: job.ID, WebCode: target.WebCode, URL: target.URL, Attempt: 1}
}

func TestWorkerCompletesJob(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{product: tracker.Product{
		Title:      "Some Product",
		WebCode:    "12345",
		Price:      19999,
		Save:       500,
		ObservedAt: time.Now().UTC(),
	}}
	gateway := &fakeGateway{}
	w := newTestWorker(registry, scraper, gateway)

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	acks := &ackTracker{}
	w.handle(context.Background(), acks.delivery(item))

	job := registry.job(t, item.JobID)
	require.Equal(t, tracker.JobStatusComplete, job.Status)
	require.NotNil(t, job.Result)
	require.Equal(t, int64(19999), job.Result.Price)
	require.Equal(t, int64(500), job.Result.Save)
	require.Empty(t, job.Error)

	require.Len(t, gateway.saved, 1)
	require.True(t, acks.acked)
	require.False(t, acks.nacked)
}

func TestWorkerFailsJobOnScrapeError(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{err: fmt.Errorf("%w: page unreachable", tracker.ErrScrapeFailed)}
	gateway := &fakeGateway{}
	w := newTestWorker(registry, scraper, gateway)

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	acks := &ackTracker{}
	w.handle(context.Background(), acks.delivery(item))

	job := registry.job(t, item.JobID)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "page unreachable")
	require.Empty(t, gateway.saved)
	require.True(t, acks.acked)
}

func TestWorkerTruncatesLongErrors(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{err: fmt.Errorf("%w: %s", tracker.ErrScrapeFailed, strings.Repeat("x", 2000))}
	w := newTestWorker(registry, scraper, &fakeGateway{})

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	w.handle(context.Background(), (&ackTracker{}).delivery(item))

	job := registry.job(t, item.JobID)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Len(t, job.Error, maxErrorLen)
}

func TestWorkerFailsJobOnPersistError(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{product: tracker.Product{Title: "P", WebCode: "12345", Price: 100}}
	gateway := &fakeGateway{saveErr: fmt.Errorf("%w: clickhouse down", tracker.ErrPartialWriteFailed)}
	w := newTestWorker(registry, scraper, gateway)

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	acks := &ackTracker{}
	w.handle(context.Background(), acks.delivery(item))

	job := registry.job(t, item.JobID)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "price history append failed")
	require.True(t, acks.acked)
}

func TestWorkerSkipsTerminalJob(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{}
	w := newTestWorker(registry, scraper, &fakeGateway{})

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	require.NoError(t, registry.MarkInProgress(context.Background(), item.JobID))
	require.NoError(t, registry.Complete(context.Background(), item.JobID, tracker.Product{WebCode: "12345"}))

	acks := &ackTracker{}
	w.handle(context.Background(), acks.delivery(item))

	// Duplicate delivery of finished work does nothing but ack.
	require.Zero(t, scraper.calls)
	require.True(t, acks.acked)
	require.Equal(t, tracker.JobStatusComplete, registry.job(t, item.JobID).Status)
}

func TestWorkerDropsMessageForUnknownJob(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{}
	w := newTestWorker(registry, scraper, &fakeGateway{})

	acks := &ackTracker{}
	w.handle(context.Background(), acks.delivery(tracker.QueueItem{JobID: "no-such-job", Attempt: 1}))

	require.Zero(t, scraper.calls)
	require.True(t, acks.acked)
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	scraper := &fakeScraper{}
	w := newTestWorker(registry, scraper, &fakeGateway{})

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	item.Attempt = 4

	acks := &ackTracker{}
	w.handle(context.Background(), acks.delivery(item))

	job := registry.job(t, item.JobID)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "abandoned after 3 delivery attempts")
	require.Zero(t, scraper.calls)
	require.True(t, acks.acked)
}

func TestWorkerSurvivesPanic(t *testing.T) {
	t.Parallel()

	registry := newFakeRegistry()
	w := newTestWorker(registry, panickyScraper{}, &fakeGateway{})

	item := submitPending(t, registry, tracker.Target{WebCode: "12345"})
	acks := &ackTracker{}
	require.NotPanics(t, func() {
		w.handle(context.Background(), acks.delivery(item))
	})

	job := registry.job(t, item.JobID)
	require.Equal(t, tracker.JobStatusFailed, job.Status)
	require.Contains(t, job.Error, "internal error")
	require.True(t, acks.acked)
}

type panickyScraper struct{}

func (panickyScraper) Execute(context.Context, tracker.Target) (tracker.Product, error) {
	panic("selector nil deref")
}
