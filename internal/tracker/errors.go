package tracker

import "errors"

// Sentinel errors forming the failure taxonomy. Call sites wrap these with
// fmt.Errorf("...: %w", err) and decision sites test with errors.Is.
var (
	// ErrValidation marks conflicting or missing caller input. Surfaced
	// immediately; no job is created.
	ErrValidation = errors.New("either 'web_code' or 'url' must be provided, but not both")

	// ErrNotFound marks a missing job or product record.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition marks an illegal job status change, including
	// any attempt to leave a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrStorageUnavailable marks a store that cannot be reached or written.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrQueueUnavailable marks a dispatch failure after job creation.
	ErrQueueUnavailable = errors.New("queue unavailable")

	// ErrScrapeFailed marks an unreachable or unparsable source page.
	// Retryable by resubmission, never fatal to the worker process.
	ErrScrapeFailed = errors.New("scrape failed")

	// ErrRelationalWriteFailed marks a failed canonical write; nothing was
	// persisted by the save.
	ErrRelationalWriteFailed = errors.New("relational write failed")

	// ErrPartialWriteFailed marks a failed history append after the
	// relational write already succeeded and is durable.
	ErrPartialWriteFailed = errors.New("partial write: price history append failed")

	// ErrInvalidQuery marks a read with both or neither selector set.
	ErrInvalidQuery = errors.New("exactly one of 'web_code' or 'product_id' must be provided")
)
