package order

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/storage"
)

type countingSettler struct {
	mu       sync.Mutex
	settled  int
	credited map[string]int
}

func (c *countingSettler) Settle(o *models.Order) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o.Compensation != nil {
		return false
	}
	c.settled++
	o.Compensation = &models.Compensation{Base: 600, Mileage: 115, Tip: o.Tip, Total: 715 + o.Tip}
	return true
}

func (c *countingSettler) Credit(_ context.Context, o *models.Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credited == nil {
		c.credited = make(map[string]int)
	}
	c.credited[o.ID]++
	return nil
}

// failingStore fails every SaveOrder after the first failAfter calls.
type failingStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	saves     int
	failAfter int
}

func (f *failingStore) SaveOrder(ctx context.Context, o *models.Order, expected int64) error {
	f.mu.Lock()
	f.saves++
	n := f.saves
	f.mu.Unlock()
	if n > f.failAfter {
		return errors.New("connection reset by peer")
	}
	return f.MemoryStore.SaveOrder(ctx, o, expected)
}

func newTestMachine(store storage.OrderStore, s Settler) *Machine {
	return NewMachine(store, s, zerolog.New(io.Discard))
}

func createOrder(t *testing.T, m *Machine) *models.Order {
	t.Helper()
	o, err := m.Create(context.Background(), CreateCommand{
		CustomerID: "c1",
		Pickup:     models.Coord{Lat: 30.2672, Lon: -97.7431},
		Dropoff:    models.Coord{Lat: 30.2849, Lon: -97.7341},
		Items:      []models.OrderItem{{ProductID: "p1", Name: "Gummies", Quantity: 2, Price: 1250}},
		Tip:        1500,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to models.Status
		actor    models.Role
		want     bool
	}{
		{models.StatusAccepted, models.StatusPickedUp, models.RoleDriver, true},
		{models.StatusAssigned, models.StatusPickedUp, models.RoleDriver, true},
		{models.StatusPickedUp, models.StatusInTransit, models.RoleDriver, true},
		{models.StatusInTransit, models.StatusDelivered, models.RoleDriver, true},
		{models.StatusAccepted, models.StatusDelivered, models.RoleDriver, false},
		{models.StatusPending, models.StatusPickedUp, models.RoleDriver, false},
		{models.StatusAccepted, models.StatusPickedUp, models.RoleCustomer, false},
		{models.StatusPending, models.StatusCancelled, models.RoleCustomer, true},
		{models.StatusInTransit, models.StatusCancelled, models.RoleAdmin, true},
		{models.StatusAccepted, models.StatusCancelled, models.RoleDriver, true},
		{models.StatusAccepted, models.StatusFailed, models.RoleSystem, true},
		{models.StatusAccepted, models.StatusFailed, models.RoleCustomer, false},
		{models.StatusDelivered, models.StatusCancelled, models.RoleAdmin, false},
		{models.StatusCancelled, models.StatusPending, models.RoleSystem, false},
		{models.StatusFailed, models.StatusCancelled, models.RoleAdmin, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to, tc.actor); got != tc.want {
			t.Errorf("CanTransition(%s, %s, %s) = %v, want %v", tc.from, tc.to, tc.actor, got, tc.want)
		}
	}
}

func TestCreateDefaults(t *testing.T) {
	m := newTestMachine(storage.NewMemoryStore(), nil)
	ch := m.Subscribe()
	o := createOrder(t, m)
	if o.Status != models.StatusPending || o.Version != 1 || o.DriverID != nil {
		t.Fatalf("unexpected new order %+v", o)
	}
	if o.Subtotal != 2500 {
		t.Fatalf("expected subtotal 25.00, got %s", o.Subtotal)
	}
	if o.DistanceMiles < 1 || o.DistanceMiles > 2 {
		t.Fatalf("expected haversine distance, got %f", o.DistanceMiles)
	}
	select {
	case e := <-ch:
		if e.New != models.StatusPending || e.Old != "" {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no creation event")
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	m := newTestMachine(storage.NewMemoryStore(), nil)
	_, err := m.Create(context.Background(), CreateCommand{CustomerID: "c1", Pickup: models.Coord{Lat: 120, Lon: 0}, Dropoff: models.Coord{Lat: 1, Lon: 1}})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest, got %v", err)
	}
	_, err = m.Create(context.Background(), CreateCommand{Pickup: models.Coord{Lat: 1, Lon: 1}, Dropoff: models.Coord{Lat: 1, Lon: 1}})
	if !errors.Is(err, ErrBadRequest) {
		t.Fatalf("expected ErrBadRequest for missing customer, got %v", err)
	}
}

func TestConcurrentAcceptSameOrder(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	o := createOrder(t, m)

	const attempts = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			<-start
			_, err := m.TryAssign(ctx, o.ID, did, o.Version)
			errs <- err
		}(fmt.Sprintf("d%d", i))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrOrderNotAvailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly 1 success, got %d", success)
	}
	got, _ := m.Get(ctx, o.ID)
	if got.Status != models.StatusAccepted || got.DriverID == nil || got.Version != 2 {
		t.Fatalf("unexpected final order %+v", got)
	}
}

func TestConcurrentAcceptAcrossMachines(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	a := newTestMachine(store, nil)
	b := newTestMachine(store, nil)
	o := createOrder(t, a)

	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make(chan error, 2)
	for i, m := range []*Machine{a, b} {
		wg.Add(1)
		go func(m *Machine, did string) {
			defer wg.Done()
			<-start
			_, err := m.TryAssign(ctx, o.ID, did, 0)
			results <- err
		}(m, fmt.Sprintf("d%d", i))
	}
	close(start)
	wg.Wait()
	close(results)

	success := 0
	for err := range results {
		if err == nil {
			success++
		} else if !errors.Is(err, ErrOrderNotAvailable) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected one winner across processes, got %d", success)
	}
}

func TestTryAssignStaleVersion(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	o := createOrder(t, m)
	if _, err := m.TryAssign(ctx, o.ID, "d1", o.Version+3); !errors.Is(err, ErrOrderNotAvailable) {
		t.Fatalf("expected ErrOrderNotAvailable, got %v", err)
	}
	if _, err := m.TryAssign(ctx, "missing", "d1", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAcceptVsCancel(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	o := createOrder(t, m)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, err := m.TryAssign(ctx, o.ID, "d1", 0)
		errs <- err
	}()
	go func() {
		defer wg.Done()
		<-start
		_, err := m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleCustomer, ActorID: "c1", Target: models.StatusCancelled, Reason: "changed mind"})
		errs <- err
	}()
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil && !errors.Is(err, ErrOrderNotAvailable) && !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	got, _ := m.Get(ctx, o.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("cancel is legal from both pending and accepted, got %s", got.Status)
	}
	if got.DriverID != nil {
		t.Fatalf("cancelled order still holds driver %s", got.Driver())
	}
}

func TestAdvanceFullLifecycle(t *testing.T) {
	ctx := context.Background()
	s := &countingSettler{}
	m := newTestMachine(storage.NewMemoryStore(), s)
	o := createOrder(t, m)
	if _, err := m.TryAssign(ctx, o.ID, "d1", 0); err != nil {
		t.Fatalf("assign: %v", err)
	}
	for _, st := range []models.Status{models.StatusPickedUp, models.StatusInTransit, models.StatusDelivered} {
		if _, err := m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d1", Target: st}); err != nil {
			t.Fatalf("advance to %s: %v", st, err)
		}
	}
	got, _ := m.Get(ctx, o.ID)
	if got.Status != models.StatusDelivered || got.DeliveredAt == nil || got.PickedUpAt == nil || got.InTransitAt == nil {
		t.Fatalf("missing timestamps %+v", got)
	}
	if got.Compensation == nil || got.Compensation.Total != 2215 {
		t.Fatalf("unexpected compensation %+v", got.Compensation)
	}
	if got.Version != 5 {
		t.Fatalf("expected version 5, got %d", got.Version)
	}
	if s.credited[o.ID] != 1 {
		t.Fatalf("expected one credit, got %d", s.credited[o.ID])
	}
}

func TestAdvanceRejectsWrongDriverAndSkips(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	o := createOrder(t, m)
	_, _ = m.TryAssign(ctx, o.ID, "d1", 0)

	_, err := m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d2", Target: models.StatusPickedUp})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for foreign driver, got %v", err)
	}
	_, err = m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d1", Target: models.StatusDelivered})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for skipped stages, got %v", err)
	}
	_, err = m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleCustomer, ActorID: "c2", Target: models.StatusCancelled})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for foreign customer, got %v", err)
	}
	got, _ := m.Get(ctx, o.ID)
	if got.Status != models.StatusAccepted || got.Version != 2 {
		t.Fatalf("rejected transitions must not change the order, got %+v", got)
	}
}

func TestTerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	o := createOrder(t, m)
	if _, err := m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleAdmin, Target: models.StatusCancelled, Reason: "fraud"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := m.TryAssign(ctx, o.ID, "d1", 0); !errors.Is(err, ErrOrderNotAvailable) {
		t.Fatalf("expected ErrOrderNotAvailable on cancelled order, got %v", err)
	}
	for _, target := range []models.Status{models.StatusFailed, models.StatusCancelled, models.StatusPickedUp} {
		if _, err := m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleAdmin, Target: target}); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition to %s, got %v", target, err)
		}
	}
	if _, reverted, err := m.RevertToPending(ctx, o.ID); err != nil || reverted {
		t.Fatalf("revert of cancelled order should be a no-op, got %v %v", reverted, err)
	}
	got, _ := m.Get(ctx, o.ID)
	if got.Status != models.StatusCancelled || got.CancelReason != "fraud" {
		t.Fatalf("unexpected final order %+v", got)
	}
}

func TestRevertToPending(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	o := createOrder(t, m)
	_, _ = m.TryAssign(ctx, o.ID, "d1", 0)
	ch := m.Subscribe()

	got, reverted, err := m.RevertToPending(ctx, o.ID)
	if err != nil || !reverted {
		t.Fatalf("revert: %v %v", reverted, err)
	}
	if got.Status != models.StatusPending || got.DriverID != nil || got.Version != 3 {
		t.Fatalf("unexpected reverted order %+v", got)
	}
	e := <-ch
	if e.Old != models.StatusAccepted || e.New != models.StatusPending || e.DriverID != "d1" {
		t.Fatalf("unexpected revert event %+v", e)
	}

	if _, err := m.TryAssign(ctx, o.ID, "d2", 0); err != nil {
		t.Fatalf("reverted order should be assignable: %v", err)
	}
	_, _ = m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d2", Target: models.StatusPickedUp})
	if _, reverted, _ := m.RevertToPending(ctx, o.ID); reverted {
		t.Fatal("picked up order must not revert")
	}
}

func TestDuplicateDeliveredCreditsOnce(t *testing.T) {
	ctx := context.Background()
	s := &countingSettler{}
	m := newTestMachine(storage.NewMemoryStore(), s)
	o := createOrder(t, m)
	_, _ = m.TryAssign(ctx, o.ID, "d1", 0)
	_, _ = m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d1", Target: models.StatusPickedUp})
	_, _ = m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d1", Target: models.StatusInTransit})

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = m.Advance(ctx, AdvanceCommand{OrderID: o.ID, Actor: models.RoleDriver, ActorID: "d1", Target: models.StatusDelivered})
		}()
	}
	close(start)
	wg.Wait()

	if s.settled != 1 || s.credited[o.ID] != 1 {
		t.Fatalf("expected one settlement and one credit, got %d/%d", s.settled, s.credited[o.ID])
	}
}

func TestPersistenceFailureLeavesOrderUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: storage.NewMemoryStore(), failAfter: 0}
	m := newTestMachine(store, nil)
	o := createOrder(t, m)
	ch := m.Subscribe()

	_, err := m.TryAssign(ctx, o.ID, "d1", 0)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	got, _ := m.Get(ctx, o.ID)
	if got.Status != models.StatusPending || got.DriverID != nil || got.Version != 1 {
		t.Fatalf("failed save must leave order untouched, got %+v", got)
	}
	select {
	case e := <-ch:
		t.Fatalf("no event expected after failed save, got %+v", e)
	default:
	}
}

func TestListByDriver(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	a := createOrder(t, m)
	b := createOrder(t, m)
	_, _ = m.TryAssign(ctx, a.ID, "d1", 0)
	_, _ = m.Advance(ctx, AdvanceCommand{OrderID: a.ID, Actor: models.RoleDriver, ActorID: "d1", Target: models.StatusPickedUp})
	_, _ = m.TryAssign(ctx, b.ID, "d2", 0)

	held, err := m.ListByDriver(ctx, "d1", models.StatusAccepted, models.StatusAssigned)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(held) != 0 {
		t.Fatalf("unexpected accepted orders %+v", held)
	}
	held, _ = m.ListByDriver(ctx, "d1", models.StatusPickedUp)
	if len(held) != 1 || held[0].ID != a.ID {
		t.Fatalf("unexpected picked up orders %+v", held)
	}
	held, _ = m.ListByDriver(ctx, "d2", models.StatusAccepted, models.StatusAssigned)
	if len(held) != 1 || held[0].ID != b.ID {
		t.Fatalf("unexpected accepted orders for d2 %+v", held)
	}
	pending, _ := m.ListPending(ctx)
	if len(pending) != 0 {
		t.Fatalf("expected no pending orders, got %d", len(pending))
	}
}

func TestTryAssignRejectsBusyDriver(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	a := createOrder(t, m)
	b := createOrder(t, m)
	if _, err := m.TryAssign(ctx, a.ID, "d1", 0); err != nil {
		t.Fatalf("assign a: %v", err)
	}
	if _, err := m.TryAssign(ctx, b.ID, "d1", 0); !errors.Is(err, ErrDriverBusy) {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}
	got, _ := m.Get(ctx, b.ID)
	if got.Status != models.StatusPending || got.DriverID != nil {
		t.Fatalf("b must stay pending and unassigned, got %+v", got)
	}

	for _, st := range []models.Status{models.StatusPickedUp, models.StatusInTransit, models.StatusDelivered} {
		if _, err := m.Advance(ctx, AdvanceCommand{OrderID: a.ID, Actor: models.RoleDriver, ActorID: "d1", Target: st}); err != nil {
			t.Fatalf("advance a to %s: %v", st, err)
		}
	}
	if _, err := m.TryAssign(ctx, b.ID, "d1", 0); err != nil {
		t.Fatalf("driver is free after delivery: %v", err)
	}
}

func TestConcurrentAssignSameDriverDifferentOrders(t *testing.T) {
	ctx := context.Background()
	m := newTestMachine(storage.NewMemoryStore(), nil)
	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, createOrder(t, m).ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	won, busy := 0, 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := m.TryAssign(ctx, id, "d1", 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrDriverBusy):
				busy++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	if won != 1 || busy != len(ids)-1 {
		t.Fatalf("won=%d busy=%d", won, busy)
	}
	held, _ := m.ListByDriver(ctx, "d1", ActiveStatuses...)
	if len(held) != 1 {
		t.Fatalf("driver holds %d orders", len(held))
	}
}
