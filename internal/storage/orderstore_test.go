package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/delivery-dispatch/internal/models"
)

func newOrder(customer string) *models.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Order{
		ID:         uuid.NewString(),
		Status:     models.StatusPending,
		CustomerID: customer,
		Pickup:     models.Coord{Lat: 30.2672, Lon: -97.7431},
		Dropoff:    models.Coord{Lat: 30.2849, Lon: -97.7341},
		Subtotal:   models.Cents(4500),
		Tip:        models.Cents(500),
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func exerciseStore(t *testing.T, s OrderStore) {
	t.Helper()
	ctx := context.Background()
	o := newOrder("c1")
	if err := s.CreateOrder(ctx, o); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CreateOrder(ctx, o); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := s.LoadOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Status != models.StatusPending || got.Version != 1 || got.Subtotal != 4500 {
		t.Fatalf("unexpected order %+v", got)
	}

	d := "d1"
	got.DriverID = &d
	got.Status = models.StatusAccepted
	got.Version = 2
	if err := s.SaveOrder(ctx, got, 1); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale := got.Clone()
	stale.Version = 2
	if err := s.SaveOrder(ctx, stale, 1); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	held, err := s.ListByDriver(ctx, "d1", models.StatusAccepted, models.StatusAssigned)
	if err != nil || len(held) != 1 || held[0].ID != o.ID {
		t.Fatalf("list by driver: %v %+v", err, held)
	}
	none, _ := s.ListByDriver(ctx, "d1", models.StatusPickedUp)
	if len(none) != 0 {
		t.Fatalf("expected no picked up orders, got %d", len(none))
	}

	if _, err := s.LoadOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	ghost := newOrder("c2")
	if err := s.SaveOrder(ctx, ghost, 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown order, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	o := newOrder("c1")
	_ = s.CreateOrder(ctx, o)
	got, _ := s.LoadOrder(ctx, o.ID)
	got.Status = models.StatusFailed
	again, _ := s.LoadOrder(ctx, o.ID)
	if again.Status != models.StatusPending {
		t.Fatalf("caller mutation leaked into store")
	}
}

func TestMemoryStoreListByStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	a, b := newOrder("c1"), newOrder("c2")
	b.CreatedAt = a.CreatedAt.Add(time.Second)
	_ = s.CreateOrder(ctx, b)
	_ = s.CreateOrder(ctx, a)
	got, _ := s.ListByStatus(ctx, models.StatusPending)
	if len(got) != 2 || got[0].ID != a.ID {
		t.Fatalf("expected oldest first, got %+v", got)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DISPATCH_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_PG_DSN not set; skipping postgres store test")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(ctx, filepath.Join("..", "..", "migrations")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, "TRUNCATE TABLE orders"); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	exerciseStore(t, s)
}
