package fanout

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/ingest"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/registry"
)

// Sink receives every order event for downstream consumers.
type Sink interface {
	PublishOrderEvent(ctx context.Context, e ingest.OrderEventMessage) error
}

// PaymentSettler captures the checkout hold on delivery and releases it when
// the order ends any other way.
type PaymentSettler interface {
	Capture(ctx context.Context, orderID, paymentRef string) error
	Cancel(ctx context.Context, orderID, paymentRef string) error
}

type Drivers interface {
	Get(ctx context.Context, driverID string) (models.Driver, bool, error)
	SetStatus(ctx context.Context, driverID string, online, available bool) error
}

// HeldOrders reports what a driver still carries after one order ends.
type HeldOrders interface {
	ListByDriver(ctx context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error)
}

type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

var statusMessages = map[models.Status]string{
	models.StatusAccepted:  "A driver accepted your order",
	models.StatusAssigned:  "A driver accepted your order",
	models.StatusPickedUp:  "Your order was picked up",
	models.StatusInTransit: "Your order is on the way",
	models.StatusDelivered: "Your order was delivered",
	models.StatusCancelled: "Your order was cancelled",
	models.StatusFailed:    "Your order could not be completed",
}

// Service turns order transitions into notifications and side effects. It
// runs on its own goroutine so the state machine never waits on delivery.
type Service struct {
	notify   registry.Notifier
	drivers  Drivers
	eta      ETA
	sink     Sink
	payments PaymentSettler
	held     HeldOrders
	log      zerolog.Logger
}

type Option func(*Service)

func WithSink(s Sink) Option { return func(f *Service) { f.sink = s } }

func WithPayments(p PaymentSettler) Option { return func(f *Service) { f.payments = p } }

func WithETA(e ETA) Option { return func(f *Service) { f.eta = e } }

func WithOrders(h HeldOrders) Option { return func(f *Service) { f.held = h } }

func NewService(notify registry.Notifier, drivers Drivers, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{notify: notify, drivers: drivers, log: log}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Run(ctx context.Context, events <-chan order.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.Handle(ctx, e)
		}
	}
}

func (s *Service) Handle(ctx context.Context, e order.Event) {
	if e.Order == nil {
		return
	}
	s.publish(ctx, e)

	if e.New == models.StatusPending {
		// Creation and reverts are announced by the placing call and the
		// reassignment monitor; admins still see them here.
		s.notify.Broadcast(registry.AdminRoom, models.NewOutbound(models.MsgOrderStatusUpdate, s.update(ctx, e)))
		return
	}

	msg := models.NewOutbound(models.MsgOrderStatusUpdate, s.update(ctx, e))
	s.notify.Notify(models.RoleCustomer, e.Order.CustomerID, msg)
	if e.DriverID != "" {
		s.notify.Notify(models.RoleDriver, e.DriverID, msg)
	}
	s.notify.Broadcast(registry.AdminRoom, msg)

	s.trackAvailability(ctx, e)
	s.settlePayment(ctx, e)
}

func (s *Service) update(ctx context.Context, e order.Event) models.StatusUpdate {
	u := models.StatusUpdate{
		OrderID:   e.OrderID,
		Status:    e.New,
		OldStatus: e.Old,
		Message:   statusMessages[e.New],
		Version:   e.Order.Version,
	}
	if !order.Holding(e.New) || e.DriverID == "" {
		return u
	}
	u.Driver = &models.DriverSummary{DriverID: e.DriverID}
	if s.drivers == nil {
		return u
	}
	d, ok, err := s.drivers.Get(ctx, e.DriverID)
	if err != nil || !ok {
		return u
	}
	loc := d.Loc
	u.Driver.Loc = &loc
	if s.eta == nil || e.New == models.StatusDelivered {
		return u
	}
	target := e.Order.Dropoff
	if e.New == models.StatusAccepted || e.New == models.StatusAssigned {
		target = e.Order.Pickup
	}
	secs := s.eta.Seconds(ctx, loc, target)
	u.ETASeconds = &secs
	return u
}

// trackAvailability keeps a driver out of new offers while holding an order.
func (s *Service) trackAvailability(ctx context.Context, e order.Event) {
	if s.drivers == nil || e.DriverID == "" {
		return
	}
	var available bool
	switch {
	case e.Old == models.StatusPending && order.Holding(e.New):
		available = false
	case e.New.Terminal():
		available = !s.stillBusy(ctx, e.DriverID)
	default:
		return
	}
	d, ok, err := s.drivers.Get(ctx, e.DriverID)
	if err != nil || !ok {
		return
	}
	if err := s.drivers.SetStatus(ctx, e.DriverID, d.Online, available); err != nil {
		s.log.Warn().Err(err).Str("driver_id", e.DriverID).Msg("updating driver availability")
	}
}

func (s *Service) stillBusy(ctx context.Context, driverID string) bool {
	if s.held == nil {
		return false
	}
	held, err := s.held.ListByDriver(ctx, driverID, order.ActiveStatuses...)
	if err != nil {
		s.log.Warn().Err(err).Str("driver_id", driverID).Msg("listing held orders")
		return true
	}
	return len(held) > 0
}

func (s *Service) settlePayment(ctx context.Context, e order.Event) {
	if s.payments == nil || e.Order.PaymentRef == "" || !e.New.Terminal() {
		return
	}
	var err error
	if e.New == models.StatusDelivered {
		err = s.payments.Capture(ctx, e.OrderID, e.Order.PaymentRef)
	} else {
		err = s.payments.Cancel(ctx, e.OrderID, e.Order.PaymentRef)
	}
	if err != nil {
		s.log.Error().Err(err).Str("order_id", e.OrderID).Str("status", string(e.New)).Msg("settling payment")
	}
}

func (s *Service) publish(ctx context.Context, e order.Event) {
	if s.sink == nil {
		return
	}
	err := s.sink.PublishOrderEvent(ctx, ingest.OrderEventMessage{
		OrderID:  e.OrderID,
		Old:      e.Old,
		New:      e.New,
		DriverID: e.DriverID,
		Actor:    e.Actor,
		Reason:   e.Reason,
		Version:  e.Order.Version,
		At:       e.At,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("order_id", e.OrderID).Msg("publishing order event")
	}
}
