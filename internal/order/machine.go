package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/eventbus"
	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/storage"
)

// Settler applies driver compensation inside the delivered transition.
// Settle runs before the save, Credit after it succeeded.
type Settler interface {
	Settle(o *models.Order) bool
	Credit(ctx context.Context, o *models.Order) error
}

// Machine owns every status and driver mutation of an order. Mutations of one
// order are serialized by a per-order lock inside the process and by the
// store's version compare-and-set across processes.
type Machine struct {
	store  storage.OrderStore
	settle Settler
	locks  *keyedMutex
	events *eventbus.Bus[Event]
	log    zerolog.Logger
	now    func() time.Time
}

func NewMachine(store storage.OrderStore, settle Settler, log zerolog.Logger) *Machine {
	return &Machine{
		store:  store,
		settle: settle,
		locks:  newKeyedMutex(),
		events: eventbus.New[Event](),
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Subscribe returns a channel receiving every OrderStatusChanged event.
func (m *Machine) Subscribe() <-chan Event { return m.events.Subscribe() }

func (m *Machine) Unsubscribe(ch <-chan Event) { m.events.Unsubscribe(ch) }

func (m *Machine) Close() { m.events.Close() }

func (m *Machine) Create(ctx context.Context, cmd CreateCommand) (*models.Order, error) {
	if err := validateCreate(cmd); err != nil {
		return nil, err
	}
	now := m.now()
	o := &models.Order{
		ID:            uuid.NewString(),
		Status:        models.StatusPending,
		CustomerID:    cmd.CustomerID,
		Pickup:        cmd.Pickup,
		Dropoff:       cmd.Dropoff,
		DistanceMiles: cmd.DistanceMiles,
		Items:         cmd.Items,
		Subtotal:      cmd.Subtotal,
		Tip:           cmd.Tip,
		PaymentRef:    cmd.PaymentRef,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if o.DistanceMiles == 0 {
		o.DistanceMiles = geo.HaversineMiles(cmd.Pickup, cmd.Dropoff)
	}
	if o.Subtotal == 0 {
		for _, it := range cmd.Items {
			o.Subtotal += it.Price * models.Money(it.Quantity)
		}
	}
	if err := m.store.CreateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", ErrPersistence, o.ID, err)
	}
	m.publish(Event{OrderID: o.ID, New: models.StatusPending, Actor: models.RoleCustomer, Order: o.Clone(), At: now})
	m.log.Info().Str("order_id", o.ID).Str("customer_id", o.CustomerID).Float64("distance_miles", o.DistanceMiles).Msg("order created")
	return o, nil
}

func (m *Machine) Get(ctx context.Context, id string) (*models.Order, error) {
	o, err := m.store.LoadOrder(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", ErrPersistence, id, err)
	}
	return o, nil
}

func (m *Machine) ListByDriver(ctx context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error) {
	orders, err := m.store.ListByDriver(ctx, driverID, statuses...)
	if err != nil {
		return nil, fmt.Errorf("%w: list driver %s: %v", ErrPersistence, driverID, err)
	}
	return orders, nil
}

func (m *Machine) ListPending(ctx context.Context) ([]*models.Order, error) {
	orders, err := m.store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("%w: list pending: %v", ErrPersistence, err)
	}
	return orders, nil
}

// TryAssign gives a pending order to driverID. expectedVersion 0 accepts
// whatever version is current; any other value must match exactly. A driver
// holding another active order gets ErrDriverBusy.
func (m *Machine) TryAssign(ctx context.Context, orderID, driverID string, expectedVersion int64) (*models.Order, error) {
	if driverID == "" {
		return nil, ErrBadRequest
	}
	// Driver before order; no other path takes both.
	unlockDriver := m.locks.Lock("driver:" + driverID)
	defer unlockDriver()
	held, err := m.ListByDriver(ctx, driverID, ActiveStatuses...)
	if err != nil {
		return nil, err
	}
	for _, o := range held {
		if o.ID != orderID {
			return nil, fmt.Errorf("%w: %s", ErrDriverBusy, o.ID)
		}
	}

	unlock := m.locks.Lock(orderID)
	defer unlock()

	cur, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if cur.Status != models.StatusPending || (expectedVersion != 0 && cur.Version != expectedVersion) {
		return nil, ErrOrderNotAvailable
	}
	next := cur.Clone()
	now := m.now()
	next.Status = models.StatusAccepted
	next.DriverID = &driverID
	next.AcceptedAt = &now

	saved, err := m.save(ctx, cur, next, now)
	if errors.Is(err, storage.ErrVersionConflict) {
		return nil, ErrOrderNotAvailable
	}
	if err != nil {
		return nil, err
	}
	m.publish(Event{OrderID: orderID, Old: cur.Status, New: saved.Status, DriverID: driverID, Actor: models.RoleDriver, Order: saved.Clone(), At: now})
	return saved, nil
}

func (m *Machine) Advance(ctx context.Context, cmd AdvanceCommand) (*models.Order, error) {
	unlock := m.locks.Lock(cmd.OrderID)
	defer unlock()

	cur, err := m.Get(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(cur.Status, cmd.Target, cmd.Actor) {
		m.log.Warn().Str("order_id", cur.ID).Str("from", string(cur.Status)).Str("to", string(cmd.Target)).Str("actor", string(cmd.Actor)).Msg("rejected transition")
		return nil, fmt.Errorf("%w: %s -> %s by %s", ErrInvalidTransition, cur.Status, cmd.Target, cmd.Actor)
	}
	if err := checkActor(cur, cmd); err != nil {
		return nil, err
	}

	now := m.now()
	next := cur.Clone()
	next.Status = cmd.Target
	switch cmd.Target {
	case models.StatusPickedUp:
		next.PickedUpAt = &now
	case models.StatusInTransit:
		next.InTransitAt = &now
	case models.StatusDelivered:
		next.DeliveredAt = &now
		if m.settle != nil {
			m.settle.Settle(next)
		}
	case models.StatusCancelled:
		next.CancelledAt = &now
		next.CancelReason = cmd.Reason
		next.DriverID = nil
	case models.StatusFailed:
		next.FailedAt = &now
		next.CancelReason = cmd.Reason
		next.DriverID = nil
	}

	saved, err := m.save(ctx, cur, next, now)
	if errors.Is(err, storage.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, cur.ID)
	}
	if err != nil {
		return nil, err
	}

	if saved.Status == models.StatusDelivered && m.settle != nil {
		if err := m.settle.Credit(ctx, saved); err != nil {
			m.log.Error().Err(err).Str("order_id", saved.ID).Msg("crediting driver earnings")
		}
	}
	m.publish(Event{
		OrderID:  saved.ID,
		Old:      cur.Status,
		New:      saved.Status,
		DriverID: cur.Driver(),
		Actor:    cmd.Actor,
		Reason:   cmd.Reason,
		Order:    saved.Clone(),
		At:       now,
	})
	return saved, nil
}

// RevertToPending releases an accepted order back to the dispatch pool. It
// reports false without error when the order already moved past acceptance.
func (m *Machine) RevertToPending(ctx context.Context, orderID string) (*models.Order, bool, error) {
	unlock := m.locks.Lock(orderID)
	defer unlock()

	cur, err := m.Get(ctx, orderID)
	if err != nil {
		return nil, false, err
	}
	if cur.Status != models.StatusAccepted && cur.Status != models.StatusAssigned {
		return cur, false, nil
	}
	now := m.now()
	next := cur.Clone()
	next.Status = models.StatusPending
	next.DriverID = nil
	next.AcceptedAt = nil

	saved, err := m.save(ctx, cur, next, now)
	if errors.Is(err, storage.ErrVersionConflict) {
		return cur, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	m.publish(Event{
		OrderID:  saved.ID,
		Old:      cur.Status,
		New:      models.StatusPending,
		DriverID: cur.Driver(),
		Actor:    models.RoleSystem,
		Reason:   "driver_offline",
		Order:    saved.Clone(),
		At:       now,
	})
	return saved, true, nil
}

func (m *Machine) save(ctx context.Context, cur, next *models.Order, now time.Time) (*models.Order, error) {
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	err := m.store.SaveOrder(ctx, next, cur.Version)
	switch {
	case err == nil:
		observability.TransitionsTotal.WithLabelValues(string(next.Status)).Inc()
		m.log.Info().Str("order_id", next.ID).Str("from", string(cur.Status)).Str("to", string(next.Status)).Int64("version", next.Version).Str("driver_id", next.Driver()).Msg("order transition")
		return next, nil
	case errors.Is(err, storage.ErrVersionConflict):
		return nil, err
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	default:
		m.log.Error().Err(err).Str("order_id", next.ID).Str("to", string(next.Status)).Msg("saving transition")
		return nil, fmt.Errorf("%w: save %s: %v", ErrPersistence, next.ID, err)
	}
}

func (m *Machine) publish(e Event) {
	if dropped := m.events.Publish(e); dropped > 0 {
		observability.EventsDropped.WithLabelValues("order").Add(float64(dropped))
		m.log.Warn().Str("order_id", e.OrderID).Int("dropped", dropped).Msg("order event missed by subscribers")
	}
}

func checkActor(o *models.Order, cmd AdvanceCommand) error {
	switch cmd.Actor {
	case models.RoleDriver:
		if cmd.ActorID == "" || o.Driver() != cmd.ActorID {
			return fmt.Errorf("%w: driver %s does not hold order %s", ErrInvalidTransition, cmd.ActorID, o.ID)
		}
	case models.RoleCustomer:
		if cmd.ActorID == "" || o.CustomerID != cmd.ActorID {
			return fmt.Errorf("%w: customer %s does not own order %s", ErrInvalidTransition, cmd.ActorID, o.ID)
		}
	}
	return nil
}

func validateCreate(cmd CreateCommand) error {
	if cmd.CustomerID == "" {
		return fmt.Errorf("%w: missing customer", ErrBadRequest)
	}
	if !validCoord(cmd.Pickup) || !validCoord(cmd.Dropoff) {
		return fmt.Errorf("%w: invalid coordinates", ErrBadRequest)
	}
	if cmd.DistanceMiles < 0 || cmd.Tip < 0 || cmd.Subtotal < 0 {
		return fmt.Errorf("%w: negative amount", ErrBadRequest)
	}
	for _, it := range cmd.Items {
		if it.Quantity <= 0 || it.Price < 0 {
			return fmt.Errorf("%w: invalid item %q", ErrBadRequest, it.ProductID)
		}
	}
	return nil
}

func validCoord(c models.Coord) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180 && !(c.Lat == 0 && c.Lon == 0)
}
