package storage

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

var orderCols = []string{"id", "customer_id", "driver_id", "destination_id", "pickup_address", "pickup_lat", "pickup_lon", "status", "created_at", "updated_at"}

func TestPostgresCreatePending(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO orders(`)).
		WithArgs("o-1", "c-1", "dest-1", "Main St 1", 1.3, 103.8, "pending", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	o := &models.Order{ID: "o-1", CustomerID: "c-1", DestinationID: "dest-1", Pickup: models.Pickup{Address: "Main St 1", Lat: 1.3, Lon: 103.8}}
	require.NoError(t, store.CreatePending(context.Background(), o))
	assert.Equal(t, models.StatusPending, o.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCreatePendingDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO orders(`)).
		WillReturnError(&pq.Error{Code: "23505"})

	err := store.CreatePending(context.Background(), &models.Order{ID: "o-1"})
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestPostgresGet(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM orders WHERE id = $1`)).
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow("o-1", "c-1", "d-1", "dest", "addr", 1.0, 2.0, "accepted", now, now))

	o, err := store.Get(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, "d-1", o.Driver())
	assert.Equal(t, models.StatusAccepted, o.Status)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM orders WHERE id = $1`)).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConditionalAccept(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta(`WHERE id = $1 AND status = 'pending' AND driver_id IS NULL`)

	mock.ExpectExec(query).WithArgs("o-1", "d-1").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := store.ConditionalAccept(context.Background(), "o-1", "d-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(query).WithArgs("o-1", "d-2").WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = store.ConditionalAccept(context.Background(), "o-1", "d-2")
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(query).WithArgs("o-2", "d-1").WillReturnError(&pq.Error{Code: "23505"})
	ok, err = store.ConditionalAccept(context.Background(), "o-2", "d-1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDriverBusy)

	mock.ExpectExec(query).WithArgs("o-3", "d-1").WillReturnError(errors.New("conn reset"))
	_, err = store.ConditionalAccept(context.Background(), "o-3", "d-1")
	assert.ErrorContains(t, err, "conn reset")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetStatusCancelsAccepted(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow("o-1", "c-1", "d-1", "dest", "addr", 1.0, 2.0, "accepted", now, now))
	mock.ExpectExec(regexp.QuoteMeta(`status = ANY($3)`)).
		WithArgs("o-1", "cancelled", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prior, err := store.SetStatus(context.Background(), "o-1", models.StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, "d-1", prior.Driver())
	assert.Equal(t, models.StatusAccepted, prior.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetStatusRejectsInvalidTransition(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
		WithArgs("o-1").
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow("o-1", "c-1", nil, "dest", "addr", 1.0, 2.0, "cancelled", now, now))
	mock.ExpectRollback()

	_, err := store.SetStatus(context.Background(), "o-1", models.StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSetStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).WithArgs("o-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.SetStatus(context.Background(), "o-1", models.StatusCancelled)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindPendingOrders(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = 'pending' ORDER BY created_at`)).
		WillReturnRows(sqlmock.NewRows(orderCols).
			AddRow("o-1", "c-1", nil, "dest", "a", 1.0, 2.0, "pending", now, now).
			AddRow("o-2", "c-2", nil, "dest", "b", 3.0, 4.0, "pending", now, now))

	orders, err := store.FindPendingOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "o-2", orders[1].ID)
	assert.Nil(t, orders[0].DriverID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFindAcceptedByDriver(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE driver_id = $1 AND status = 'accepted'`)).
		WithArgs("d-1").
		WillReturnError(sql.ErrNoRows)

	_, err := store.FindAcceptedByDriver(context.Background(), "d-1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMigrate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS orders`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
