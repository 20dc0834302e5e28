package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/samshad/bestbuy-product-price-tracker/internal/tracker"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type fakeIDGen struct {
	id  string
	err error
}

func (g *fakeIDGen) NewID() (string, error) {
	return g.id, g.err
}

func newTestRegistry(t *testing.T) (*Registry, pgxmock.PgxPoolIface, *fakeClock) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	reg, err := NewWithPool(mock, &fakeIDGen{id: "job-1"}, clock)
	require.NoError(t, err)
	return reg, mock, clock
}

func TestCreateJobInsertsPendingRow(t *testing.T) {
	t.Parallel()

	reg, mock, clock := newTestRegistry(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", pgxmock.AnyArg(), pgxmock.AnyArg(), "Pending", clock.now, clock.now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := reg.CreateJob(context.Background(), tracker.Target{WebCode: "12345"})
	require.NoError(t, err)
	require.Equal(t, "job-1", job.ID)
	require.Equal(t, tracker.JobStatusPending, job.Status)
	require.Equal(t, "12345", job.WebCode)
	require.Equal(t, clock.now, job.CreatedAt)
	require.Equal(t, clock.now, job.UpdatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobRejectsConflictingTarget(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	_, err := reg.CreateJob(context.Background(), tracker.Target{WebCode: "12345", URL: "https://example.com"})
	require.ErrorIs(t, err, tracker.ErrValidation)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobStorageUnavailable(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	mock.ExpectExec("INSERT INTO jobs").
		WithArgs("job-1", pgxmock.AnyArg(), pgxmock.AnyArg(), "Pending", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection refused"))

	_, err := reg.CreateJob(context.Background(), tracker.Target{WebCode: "12345"})
	require.ErrorIs(t, err, tracker.ErrStorageUnavailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInProgressTransitionsPendingJob(t *testing.T) {
	t.Parallel()

	reg, mock, clock := newTestRegistry(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "In Progress", clock.now, "Pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.MarkInProgress(context.Background(), "job-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInProgressRejectsTerminalJob(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "In Progress", pgxmock.AnyArg(), "Pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("Complete"))

	err := reg.MarkInProgress(context.Background(), "job-1")
	require.ErrorIs(t, err, tracker.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInProgressUnknownJob(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("missing", "In Progress", pgxmock.AnyArg(), "Pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	err := reg.MarkInProgress(context.Background(), "missing")
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteStoresResultAndWebCode(t *testing.T) {
	t.Parallel()

	reg, mock, clock := newTestRegistry(t)

	result := tracker.Product{
		Title:      "Instant Pot Duo V5",
		Model:      "112-0170-02",
		WebCode:    "16374908",
		Price:      10999,
		Save:       0,
		URL:        "https://www.bestbuy.ca/en-ca/product/16374908",
		ObservedAt: clock.now,
	}
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "Complete", payload, "16374908", clock.now, "Pending", "In Progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.Complete(context.Background(), "job-1", result))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteRejectsDoubleCompletion(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "Complete", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "Pending", "In Progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("Complete"))

	err := reg.Complete(context.Background(), "job-1", tracker.Product{WebCode: "16374908"})
	require.ErrorIs(t, err, tracker.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailStoresErrorMessage(t *testing.T) {
	t.Parallel()

	reg, mock, clock := newTestRegistry(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "Failed", "scrape failed: page unreachable", clock.now, "Pending", "In Progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, reg.Fail(context.Background(), "job-1", "scrape failed: page unreachable"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailRejectsTerminalJob(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	mock.ExpectExec("UPDATE jobs SET status").
		WithArgs("job-1", "Failed", pgxmock.AnyArg(), pgxmock.AnyArg(), "Pending", "In Progress").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("Failed"))

	err := reg.Fail(context.Background(), "job-1", "boom")
	require.ErrorIs(t, err, tracker.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobRoundTrip(t *testing.T) {
	t.Parallel()

	reg, mock, clock := newTestRegistry(t)

	result := tracker.Product{WebCode: "12345", Price: 19999, Save: 500}
	payload, err := json.Marshal(result)
	require.NoError(t, err)

	webCode := "12345"
	rows := pgxmock.NewRows([]string{
		"job_id", "web_code", "url", "status", "result", "error", "created_at", "updated_at",
	}).AddRow("job-1", &webCode, (*string)(nil), "Complete", payload, (*string)(nil), clock.now, clock.now)

	mock.ExpectQuery("SELECT job_id, web_code, url, status").
		WithArgs("job-1").
		WillReturnRows(rows)

	job, err := reg.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, tracker.JobStatusComplete, job.Status)
	require.Equal(t, "12345", job.WebCode)
	require.NotNil(t, job.Result)
	require.Equal(t, int64(19999), job.Result.Price)
	require.Equal(t, int64(500), job.Result.Save)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	reg, mock, _ := newTestRegistry(t)

	mock.ExpectQuery("SELECT job_id, web_code, url, status").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := reg.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, tracker.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
