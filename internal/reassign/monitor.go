package reassign

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/registry"
)

// ReasonDriverOffline tags orders released because their driver vanished.
const ReasonDriverOffline = "driver_offline"

// CustomerMessage is shown to a customer whose order went back to dispatch.
const CustomerMessage = "Your driver went offline, finding a new driver"

type Orders interface {
	ListByDriver(ctx context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error)
	RevertToPending(ctx context.Context, orderID string) (*models.Order, bool, error)
}

type Offerer interface {
	Offer(ctx context.Context, o *models.Order) error
}

// Connections reports live sockets, so a driver who came back before the
// event was handled keeps their orders.
type Connections interface {
	IsConnected(role models.Role, entityID string) bool
}

type Presence interface {
	SetStatus(ctx context.Context, driverID string, online, available bool) error
}

// Monitor returns orders held by a disconnected driver to the dispatch pool
// as long as nothing was picked up yet.
type Monitor struct {
	orders   Orders
	offers   Offerer
	presence Presence
	conns    Connections
	notify   registry.Notifier
	log      zerolog.Logger
}

func NewMonitor(orders Orders, offers Offerer, presence Presence, conns Connections, notify registry.Notifier, log zerolog.Logger) *Monitor {
	return &Monitor{orders: orders, offers: offers, presence: presence, conns: conns, notify: notify, log: log}
}

// Run consumes disconnect events until the channel closes or ctx is done.
func (m *Monitor) Run(ctx context.Context, events <-chan registry.Disconnected) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := m.HandleDisconnect(ctx, e); err != nil {
				m.log.Error().Err(err).Str("driver_id", e.EntityID).Msg("handling driver disconnect")
			}
		}
	}
}

func (m *Monitor) HandleDisconnect(ctx context.Context, e registry.Disconnected) error {
	if e.Role != models.RoleDriver || e.Remaining > 0 {
		return nil
	}
	if m.reconnected(e.EntityID) {
		m.log.Debug().Str("driver_id", e.EntityID).Msg("driver reconnected before disconnect was handled")
		return nil
	}
	if err := m.presence.SetStatus(ctx, e.EntityID, false, false); err != nil && !errors.Is(err, geo.ErrUnknownDriver) {
		m.log.Warn().Err(err).Str("driver_id", e.EntityID).Msg("marking driver offline")
	}

	held, err := m.orders.ListByDriver(ctx, e.EntityID, order.ActiveStatuses...)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range held {
		if o.Status.Committed() {
			m.log.Warn().Str("driver_id", e.EntityID).Str("order_id", o.ID).Str("status", string(o.Status)).Msg("driver offline with order in hand")
			m.notify.Broadcast(registry.AdminRoom, models.NewOutbound(models.MsgDriverOfflineWithActive,
				models.Reassigned{OrderID: o.ID, Reason: ReasonDriverOffline, DriverID: e.EntityID}))
			continue
		}
		if m.reconnected(e.EntityID) {
			return errors.Join(errs...)
		}
		if err := m.release(ctx, e.EntityID, o.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Monitor) reconnected(driverID string) bool {
	return m.conns != nil && m.conns.IsConnected(models.RoleDriver, driverID)
}

func (m *Monitor) release(ctx context.Context, driverID, orderID string) error {
	o, reverted, err := m.orders.RevertToPending(ctx, orderID)
	if err != nil {
		return err
	}
	if !reverted {
		return nil
	}
	observability.ReassignmentsTotal.Inc()
	m.log.Info().Str("driver_id", driverID).Str("order_id", orderID).Msg("order returned to dispatch")

	m.notify.Broadcast(registry.AdminRoom, models.NewOutbound(models.MsgOrderReassigned,
		models.Reassigned{OrderID: orderID, Reason: ReasonDriverOffline, DriverID: driverID}))
	m.notify.Notify(models.RoleCustomer, o.CustomerID, models.NewOutbound(models.MsgOrderStatusUpdate, models.StatusUpdate{
		OrderID:   o.ID,
		Status:    o.Status,
		OldStatus: models.StatusAccepted,
		Message:   CustomerMessage,
		Version:   o.Version,
	}))
	err = m.offers.Offer(ctx, o)
	if err != nil && !errors.Is(err, matcher.ErrNoDriversAvailable) && !errors.Is(err, order.ErrOrderNotAvailable) {
		return err
	}
	return nil
}
