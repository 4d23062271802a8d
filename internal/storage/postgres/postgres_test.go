package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newMockDB(t *testing.T) (*DB, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	db, err := NewWithPool(mock, Tables{})
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return db, mock
}

func TestNewWithPool_RejectsBadTableName(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithPool(mock, Tables{Regions: "regions; drop table x"})
	require.Error(t, err)

	_, err = NewWithPool(nil, Tables{})
	require.Error(t, err)
}

func TestMigrate_CreatesEveryTable(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	for _, table := range []string{"stock_records", "regions", "subscriptions", "pending_notifications", "scrape_jobs"} {
		mock.ExpectExec(`CREATE TABLE IF NOT EXISTS ` + table).
			WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	}

	require.NoError(t, db.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_Get(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT product_id, sold_out FROM stock_records WHERE region = \$1`).
		WithArgs("560001").
		WillReturnRows(pgxmock.NewRows([]string{"product_id", "sold_out"}).
			AddRow("milk", true).
			AddRow("curd", false))

	state, err := db.StateStore(nil).Get(context.Background(), "560001")
	require.NoError(t, err)
	require.Equal(t, restock.StockState{"milk": true, "curd": false}, state)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_GetUnknownRegionIsEmpty(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT product_id, sold_out FROM stock_records`).
		WithArgs("999999").
		WillReturnRows(pgxmock.NewRows([]string{"product_id", "sold_out"}))

	state, err := db.StateStore(nil).Get(context.Background(), "999999")
	require.NoError(t, err)
	require.NotNil(t, state)
	require.Empty(t, state)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_PutAllReplacesInTransaction(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM stock_records WHERE region = \$1 AND NOT`).
		WithArgs("560001", []string{"curd", "milk"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO stock_records`).
		WithArgs("560001", []string{"curd", "milk"}, []bool{false, true}, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	err := db.StateStore(fixedClock{now}).PutAll(context.Background(), "560001", restock.StockState{"milk": true, "curd": false})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_PutAllRollsBackOnError(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM stock_records`).
		WithArgs("560001", []string{"milk"}).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := db.StateStore(nil).PutAll(context.Background(), "560001", restock.StockState{"milk": false})
	require.ErrorContains(t, err, "delete stale stock records")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStateStore_DeleteRegion(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	mock.ExpectExec(`DELETE FROM stock_records WHERE region = \$1`).
		WithArgs("560001").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))

	require.NoError(t, db.StateStore(nil).DeleteRegion(context.Background(), "560001"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegionDirectory(t *testing.T) {
	t.Parallel()

	seen := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	db, mock := newMockDB(t)
	dir := db.RegionDirectory()
	ctx := context.Background()

	mock.ExpectQuery(`SELECT region, last_interacted_at FROM regions ORDER BY region`).
		WillReturnRows(pgxmock.NewRows([]string{"region", "last_interacted_at"}).
			AddRow("110001", seen).
			AddRow("560001", seen))
	mock.ExpectExec(`INSERT INTO regions`).
		WithArgs("400001", seen).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`DELETE FROM regions WHERE region = \$1`).
		WithArgs("110001").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`DELETE FROM regions WHERE region = \$1`).
		WithArgs("000000").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM regions WHERE region = \$1\)`).
		WithArgs("110001").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	regions, err := dir.ListActive(ctx)
	require.NoError(t, err)
	require.Equal(t, []restock.Region{
		{Code: "110001", LastInteractedAt: seen},
		{Code: "560001", LastInteractedAt: seen},
	}, regions)
	require.NoError(t, dir.Touch(ctx, "400001", seen))
	require.NoError(t, dir.Delete(ctx, "110001"))
	require.ErrorIs(t, dir.Delete(ctx, "000000"), restock.ErrRegionNotFound)
	exists, err := dir.Exists(ctx, "110001")
	require.NoError(t, err)
	require.False(t, exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubscriberDirectory(t *testing.T) {
	t.Parallel()

	db, mock := newMockDB(t)
	dir := db.SubscriberDirectory()
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO subscriptions`).
		WithArgs("milk", "a@example.com").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT address FROM subscriptions WHERE product_id = \$1`).
		WithArgs("milk").
		WillReturnRows(pgxmock.NewRows([]string{"address"}).AddRow("a@example.com"))
	mock.ExpectExec(`DELETE FROM subscriptions`).
		WithArgs("milk", "a@example.com").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectQuery(`SELECT address FROM subscriptions`).
		WithArgs("milk").
		WillReturnError(errors.New("timeout"))

	require.NoError(t, dir.Subscribe(ctx, "milk", "a@example.com"))
	addrs, err := dir.SubscribersOf(ctx, "milk")
	require.NoError(t, err)
	require.Equal(t, []string{"a@example.com"}, addrs)
	require.NoError(t, dir.Unsubscribe(ctx, "milk", "a@example.com"))
	_, err = dir.SubscribersOf(ctx, "milk")
	require.ErrorContains(t, err, "query subscriptions")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutbox(t *testing.T) {
	t.Parallel()

	created := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	products := []restock.RestockedProduct{{ProductID: "milk", Name: "Milk"}}
	payload, err := json.Marshal(products)
	require.NoError(t, err)

	db, mock := newMockDB(t)
	ob := db.Outbox()
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO pending_notifications`).
		WithArgs("n1", "a@example.com", "560001", payload, 1, "smtp down", created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT id, address, region, products, attempts, last_error, created_at`).
		WithArgs(5, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "address", "region", "products", "attempts", "last_error", "created_at"}).
			AddRow("n1", "a@example.com", "560001", payload, 1, "smtp down", created))
	mock.ExpectExec(`UPDATE pending_notifications SET attempts = attempts \+ 1, last_error = '', delivered_at`).
		WithArgs("n1", created).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE pending_notifications SET attempts = attempts \+ 1, last_error = \$2`).
		WithArgs("missing", "boom").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	pending := restock.PendingNotification{
		ID:           "n1",
		Notification: restock.Notification{Address: "a@example.com", Region: "560001", Products: products},
		Attempts:     1,
		LastError:    "smtp down",
		CreatedAt:    created,
	}
	require.NoError(t, ob.Add(ctx, pending))
	require.Error(t, ob.Add(ctx, restock.PendingNotification{}))

	got, err := ob.Pending(ctx, 10, 5)
	require.NoError(t, err)
	require.Equal(t, []restock.PendingNotification{pending}, got)

	require.NoError(t, ob.MarkDelivered(ctx, "n1", created))
	require.ErrorIs(t, ob.MarkFailed(ctx, "missing", "boom"), ErrPendingNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_Lifecycle(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	db, mock := newMockDB(t)
	store := db.JobStore(fixedClock{now})
	ctx := context.Background()

	emptyCounters, err := json.Marshal(restock.JobCounters{})
	require.NoError(t, err)
	done := restock.JobCounters{Products: 4, Restocked: 1, Notified: 2}
	doneCounters, err := json.Marshal(done)
	require.NoError(t, err)

	mock.ExpectExec(`INSERT INTO scrape_jobs`).
		WithArgs("job-1", "560001", "queued", "", emptyCounters, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("job-1", "completed", "", doneCounters, now, true, true, terminalStates).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`SELECT id, region, state, reason, counters, enqueued_at, started_at, finished_at`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "region", "state", "reason", "counters", "enqueued_at", "started_at", "finished_at"}).
			AddRow("job-1", "560001", "completed", "", doneCounters, now, &now, &now))

	require.NoError(t, store.CreateJob(ctx, restock.Job{ID: "job-1", Region: "560001", EnqueuedAt: now}))
	require.NoError(t, store.UpdateJobStatus(ctx, "job-1", restock.JobStateCompleted, "", done))

	job, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, restock.JobStateCompleted, job.State)
	require.Equal(t, done, job.Counters)
	require.NotNil(t, job.FinishedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_UpdateRejectsTerminalAndUnknown(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	db, mock := newMockDB(t)
	store := db.JobStore(fixedClock{now})
	ctx := context.Background()
	counters, err := json.Marshal(restock.JobCounters{})
	require.NoError(t, err)
	cols := []string{"id", "region", "state", "reason", "counters", "enqueued_at", "started_at", "finished_at"}

	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("job-1", "in_progress", "", counters, now, true, false, terminalStates).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, region, state`).
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows(cols).AddRow("job-1", "560001", "failed", "fetch error", counters, now, &now, &now))
	mock.ExpectExec(`UPDATE scrape_jobs`).
		WithArgs("ghost", "in_progress", "", counters, now, true, false, terminalStates).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT id, region, state`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	err = store.UpdateJobStatus(ctx, "job-1", restock.JobStateInProgress, "", restock.JobCounters{})
	require.ErrorIs(t, err, restock.ErrTerminalJob)
	err = store.UpdateJobStatus(ctx, "ghost", restock.JobStateInProgress, "", restock.JobCounters{})
	require.ErrorIs(t, err, restock.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStore_Prune(t *testing.T) {
	t.Parallel()

	cutoff := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	db, mock := newMockDB(t)
	mock.ExpectExec(`DELETE FROM scrape_jobs WHERE finished_at IS NOT NULL`).
		WithArgs(cutoff).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))

	n, err := db.JobStore(nil).Prune(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db, err := NewWithPool(mock, Tables{})
	require.NoError(t, err)

	mock.ExpectPing()
	require.NoError(t, db.Ping(context.Background()))

	mock.ExpectPing().WillReturnError(errors.New("down"))
	require.ErrorContains(t, db.Ping(context.Background()), "ping postgres")
	require.NoError(t, mock.ExpectationsWereMet())
}
