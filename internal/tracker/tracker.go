// Package tracker defines the core types and interfaces for the price
// tracking service: product snapshots, price history entries, scrape jobs,
// and the contracts between the API, dispatcher, workers, and stores.
package tracker

import (
	"context"
	"time"
)

// JobStatus enumerates the lifecycle states of a scrape job. The values are
// the exact strings stored in Postgres and serialized on the wire.
type JobStatus string

const (
	// JobStatusPending is the state of a freshly created job.
	JobStatusPending JobStatus = "Pending"
	// JobStatusInProgress is set by the worker that dequeued the job.
	JobStatusInProgress JobStatus = "In Progress"
	// JobStatusComplete is the successful terminal state.
	JobStatusComplete JobStatus = "Complete"
	// JobStatusFailed is the unsuccessful terminal state.
	JobStatusFailed JobStatus = "Failed"
)

// Terminal reports whether no further transition is legal from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Product is a snapshot of a catalog item as observed on the source site.
// Price and Save are integer cents; floats never appear anywhere in the
// persistence or serialization path.
type Product struct {
	ProductID  int64     `json:"product_id,omitempty"`
	Title      string    `json:"title"`
	Model      string    `json:"model"`
	WebCode    string    `json:"web_code"`
	Price      int64     `json:"price"`
	Save       int64     `json:"save"`
	URL        string    `json:"url"`
	ObservedAt time.Time `json:"observed_at"`
}

// PriceEntry is one append-only price observation keyed by web code.
type PriceEntry struct {
	WebCode    string    `json:"web_code"`
	Price      int64     `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
}

// Job tracks one scrape request from submission to its terminal state.
// WebCode is empty until the target resolves when the job was submitted by
// URL. Result is populated only on Complete, Error only on Failed.
type Job struct {
	ID        string    `json:"job_id"`
	WebCode   string    `json:"web_code,omitempty"`
	URL       string    `json:"url,omitempty"`
	Status    JobStatus `json:"status"`
	Result    *Product  `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Target identifies the product to scrape: exactly one of WebCode or URL.
type Target struct {
	WebCode string `json:"web_code,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Validate enforces the mutual exclusivity invariant on the target.
func (t Target) Validate() error {
	if (t.WebCode == "") == (t.URL == "") {
		return ErrValidation
	}
	return nil
}

// QueueItem is the unit of work placed on the queue for one scrape job.
// Attempt counts deliveries, starting at 1; redelivery increments it.
type QueueItem struct {
	JobID   string `json:"job_id"`
	WebCode string `json:"web_code,omitempty"`
	URL     string `json:"url,omitempty"`
	Attempt int    `json:"attempt"`
}

// Target returns the scrape target carried by the item.
func (i QueueItem) Target() Target {
	return Target{WebCode: i.WebCode, URL: i.URL}
}

// Delivery is a queue message handed to exactly one consumer at a time.
// Ack removes it permanently; Nack returns it for redelivery with an
// incremented attempt counter.
type Delivery struct {
	Item QueueItem
	Ack  func(ctx context.Context) error
	Nack func(ctx context.Context) error
}

// Registry is the single source of truth for job lifecycle state. It owns
// every mutation of a job record; all state lives in durable storage so a
// process restart loses nothing.
type Registry interface {
	// CreateJob allocates a job id and inserts a Pending record.
	CreateJob(ctx context.Context, target Target) (Job, error)

	// MarkInProgress transitions Pending to In Progress. A terminal or
	// missing job yields ErrInvalidTransition / ErrNotFound.
	MarkInProgress(ctx context.Context, jobID string) error

	// Complete transitions to Complete and stores the result. Rejected with
	// ErrInvalidTransition when the job is already terminal, which makes
	// duplicate queue deliveries harmless.
	Complete(ctx context.Context, jobID string, result Product) error

	// Fail transitions to Failed and stores the error message, with the
	// same terminal-state guard as Complete.
	Fail(ctx context.Context, jobID string, message string) error

	// GetJob returns the job record or ErrNotFound.
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Queue is a durable at-least-once work queue with competing consumers.
type Queue interface {
	// Enqueue appends an item for eventual delivery to one consumer.
	Enqueue(ctx context.Context, item QueueItem) error

	// Dequeue blocks until an item is available or the context ends.
	Dequeue(ctx context.Context) (Delivery, error)
}

// SaveResult reports what the Persistence Gateway durably wrote.
type SaveResult struct {
	ProductID       int64
	HistoryAppended bool
}

// ProductSelector identifies a product by exactly one of its keys.
type ProductSelector struct {
	WebCode   string
	ProductID int64
}

// Validate enforces the mutually exclusive selector invariant.
func (s ProductSelector) Validate() error {
	if (s.WebCode == "") == (s.ProductID == 0) {
		return ErrInvalidQuery
	}
	return nil
}

// Gateway is the uniform interface over the two physical stores: Postgres
// for canonical product rows, ClickHouse for the price-history series.
type Gateway interface {
	// Save upserts the canonical row, then appends a history entry. The
	// relational write goes first; its failure aborts the whole save.
	Save(ctx context.Context, product Product) (SaveResult, error)

	GetAllProducts(ctx context.Context) ([]Product, error)
	GetProduct(ctx context.Context, sel ProductSelector) (Product, error)
	GetPriceHistory(ctx context.Context, webCode string) ([]PriceEntry, error)
}

// Scraper turns a target into a fully populated product snapshot.
type Scraper interface {
	Execute(ctx context.Context, target Target) (Product, error)
}

// Clock abstracts time so transitions and observations are testable.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
