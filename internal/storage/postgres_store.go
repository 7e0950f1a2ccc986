package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"

	"github.com/example/delivery-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate applies migrations/001_create_orders.sql relative to dir.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, "001_create_orders.sql"))
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

const orderColumns = `id, status, customer_id, driver_id,
	pickup_lat, pickup_lon, dropoff_lat, dropoff_lon, distance_miles,
	items, subtotal_cents, tip_cents, payment_ref, compensation, cancel_reason, version,
	created_at, accepted_at, picked_up_at, in_transit_at, delivered_at, cancelled_at, failed_at, updated_at`

func (p *PostgresStore) CreateOrder(ctx context.Context, o *models.Order) error {
	items, comp, err := encodeJSONColumns(o)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24)`,
		o.ID, string(o.Status), o.CustomerID, o.DriverID,
		o.Pickup.Lat, o.Pickup.Lon, o.Dropoff.Lat, o.Dropoff.Lon, o.DistanceMiles,
		items, o.Subtotal.Cents(), o.Tip.Cents(), o.PaymentRef, comp, o.CancelReason, o.Version,
		o.CreatedAt, o.AcceptedAt, o.PickedUpAt, o.InTransitAt, o.DeliveredAt, o.CancelledAt, o.FailedAt, o.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

func (p *PostgresStore) LoadOrder(ctx context.Context, id string) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return o, err
}

// SaveOrder is a conditional update on (id, version); zero rows means another
// writer got there first or the order does not exist.
func (p *PostgresStore) SaveOrder(ctx context.Context, o *models.Order, expectedVersion int64) error {
	items, comp, err := encodeJSONColumns(o)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `UPDATE orders SET
			status = $1, driver_id = $2, distance_miles = $3, items = $4, tip_cents = $5,
			payment_ref = $6, compensation = $7, cancel_reason = $8, version = $9,
			accepted_at = $10, picked_up_at = $11, in_transit_at = $12, delivered_at = $13,
			cancelled_at = $14, failed_at = $15, updated_at = $16
		WHERE id = $17 AND version = $18`,
		string(o.Status), o.DriverID, o.DistanceMiles, items, o.Tip.Cents(),
		o.PaymentRef, comp, o.CancelReason, o.Version,
		o.AcceptedAt, o.PickedUpAt, o.InTransitAt, o.DeliveredAt,
		o.CancelledAt, o.FailedAt, o.UpdatedAt,
		o.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, o.ID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE driver_id = $1`
	args := []any{driverID}
	if len(statuses) > 0 {
		s := make([]string, len(statuses))
		for i, st := range statuses {
			s[i] = string(st)
		}
		q += ` AND status = ANY($2)`
		args = append(args, pq.Array(s))
	}
	return p.query(ctx, q+` ORDER BY created_at, id`, args...)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status models.Status) ([]*models.Order, error) {
	return p.query(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at, id`, string(status))
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]*models.Order, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(s scanner) (*models.Order, error) {
	var (
		o                        models.Order
		status                   string
		driverID                 sql.NullString
		items, comp              []byte
		subtotal, tip            int64
		accepted, pickedUp       sql.NullTime
		inTransit, delivered     sql.NullTime
		cancelled, failed        sql.NullTime
		paymentRef, cancelReason sql.NullString
	)
	err := s.Scan(&o.ID, &status, &o.CustomerID, &driverID,
		&o.Pickup.Lat, &o.Pickup.Lon, &o.Dropoff.Lat, &o.Dropoff.Lon, &o.DistanceMiles,
		&items, &subtotal, &tip, &paymentRef, &comp, &cancelReason, &o.Version,
		&o.CreatedAt, &accepted, &pickedUp, &inTransit, &delivered, &cancelled, &failed, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.Status = models.Status(status)
	if driverID.Valid {
		d := driverID.String
		o.DriverID = &d
	}
	o.Subtotal = models.Cents(subtotal)
	o.Tip = models.Cents(tip)
	o.PaymentRef = paymentRef.String
	o.CancelReason = cancelReason.String
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, fmt.Errorf("decode items: %w", err)
		}
	}
	if len(comp) > 0 && string(comp) != "null" {
		var c models.Compensation
		if err := json.Unmarshal(comp, &c); err != nil {
			return nil, fmt.Errorf("decode compensation: %w", err)
		}
		o.Compensation = &c
	}
	o.AcceptedAt = toTimePtr(accepted)
	o.PickedUpAt = toTimePtr(pickedUp)
	o.InTransitAt = toTimePtr(inTransit)
	o.DeliveredAt = toTimePtr(delivered)
	o.CancelledAt = toTimePtr(cancelled)
	o.FailedAt = toTimePtr(failed)
	return &o, nil
}

// encodeJSONColumns returns strings: lib/pq would send []byte as bytea.
func encodeJSONColumns(o *models.Order) (string, sql.NullString, error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode items: %w", err)
	}
	var comp sql.NullString
	if o.Compensation != nil {
		b, err := json.Marshal(o.Compensation)
		if err != nil {
			return "", sql.NullString{}, fmt.Errorf("encode compensation: %w", err)
		}
		comp = sql.NullString{String: string(b), Valid: true}
	}
	return string(items), comp, nil
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
