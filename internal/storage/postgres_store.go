package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

const orderColumns = `id, customer_id, driver_id, destination_id, pickup_address, pickup_lat, pickup_lon, status, created_at, updated_at`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded schema files in name order. Every statement
// is idempotent so running it on each start is safe.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) CreatePending(ctx context.Context, o *models.Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	o.Status = models.StatusPending
	o.DriverID = nil
	_, err := p.db.ExecContext(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES($1,$2,NULL,$3,$4,$5,$6,$7,$8,$9)`,
		o.ID, o.CustomerID, o.DestinationID, o.Pickup.Address, o.Pickup.Lat, o.Pickup.Lon, o.Status, o.CreatedAt, o.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("create order %s: %w", o.ID, ErrDuplicateOrder)
	}
	if err != nil {
		return fmt.Errorf("create order %s: %w", o.ID, err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (p *PostgresStore) ConditionalAccept(ctx context.Context, orderID, driverID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE orders
		SET status = 'accepted', driver_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending' AND driver_id IS NULL`,
		orderID, driverID)
	if isUniqueViolation(err) {
		return false, ErrDriverBusy
	}
	if err != nil {
		return false, fmt.Errorf("accept order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("accept order %s: %w", orderID, err)
	}
	return n == 1, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", orderID, err)
	}
	defer tx.Rollback() //nolint:errcheck

	prior, err := scanOrder(tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", orderID, err)
	}
	if !models.CanTransition(prior.Status, status) {
		return nil, fmt.Errorf("%s -> %s: %w", prior.Status, status, ErrInvalidTransition)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    driver_id = CASE WHEN $2 = 'cancelled' THEN NULL ELSE driver_id END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)`,
		orderID, string(status), pq.Array(statusStrings(models.Predecessors(status))))
	if err != nil {
		return nil, fmt.Errorf("set status %s: %w", orderID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("set status %s: %w", orderID, err)
	}
	return prior, nil
}

func (p *PostgresStore) FindPendingOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	defer rows.Close()

	var out []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending order: %w", err)
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindAcceptedByDriver(ctx context.Context, driverID string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE driver_id = $1 AND status = 'accepted' LIMIT 1`, driverID)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find accepted order for %s: %w", driverID, err)
	}
	return o, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var (
		o        models.Order
		driverID sql.NullString
		status   string
	)
	if err := s.Scan(&o.ID, &o.CustomerID, &driverID, &o.DestinationID,
		&o.Pickup.Address, &o.Pickup.Lat, &o.Pickup.Lon, &status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if driverID.Valid {
		d := driverID.String
		o.DriverID = &d
	}
	o.Status = models.OrderStatus(status)
	return &o, nil
}

func statusStrings(in []models.OrderStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
