package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/geo"
	"github.com/example/delivery-dispatch/internal/matcher"
	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/registry"
)

var (
	ErrNotConnected     = errors.New("connection not identified yet")
	ErrAlreadyConnected = errors.New("connection already bound to another identity")
	ErrForbidden        = errors.New("not allowed for this role")
)

type Orders interface {
	Create(ctx context.Context, cmd order.CreateCommand) (*models.Order, error)
	Get(ctx context.Context, id string) (*models.Order, error)
	Advance(ctx context.Context, cmd order.AdvanceCommand) (*models.Order, error)
	ListByDriver(ctx context.Context, driverID string, statuses ...models.Status) ([]*models.Order, error)
}

type Dispatcher interface {
	Offer(ctx context.Context, o *models.Order) error
	ResolveAccept(ctx context.Context, orderID, driverID string) (*models.Order, error)
	Decline(ctx context.Context, orderID, driverID string) error
}

type Connections interface {
	registry.Notifier
	Register(role models.Role, entityID string, ch registry.Channel) error
	Unregister(channelID string)
}

type LocationSink interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Session is the per-connection identity, filled in by Connect.
type Session struct {
	Channel  registry.Channel
	Role     models.Role
	EntityID string
}

func (s *Session) Connected() bool { return s.EntityID != "" }

type Engine struct {
	orders    Orders
	dispatch  Dispatcher
	conns     Connections
	geo       geo.Geo
	locations LocationSink
	log       zerolog.Logger
}

func New(orders Orders, dispatch Dispatcher, conns Connections, g geo.Geo, log zerolog.Logger) *Engine {
	return &Engine{orders: orders, dispatch: dispatch, conns: conns, geo: g, log: log}
}

// WithLocationSink forwards every driver location update to s.
func (e *Engine) WithLocationSink(s LocationSink) *Engine {
	e.locations = s
	return e
}

// Handle routes one inbound message. Returned errors are meant for the
// sender only.
func (e *Engine) Handle(ctx context.Context, sess *Session, msg Inbound) error {
	switch m := msg.(type) {
	case Connect:
		return e.connect(ctx, sess, m)
	case Disconnect:
		if sess.Channel != nil {
			e.conns.Unregister(sess.Channel.ID())
		}
		return nil
	}
	if !sess.Connected() {
		return ErrNotConnected
	}
	switch m := msg.(type) {
	case PlaceOrder:
		return e.placeOrder(ctx, sess, m)
	case AcceptOrder:
		if sess.Role != models.RoleDriver {
			return ErrForbidden
		}
		return e.accept(ctx, sess.EntityID, m.OrderID)
	case DeclineOrder:
		if sess.Role != models.RoleDriver {
			return ErrForbidden
		}
		return e.dispatch.Decline(ctx, m.OrderID, sess.EntityID)
	case StatusUpdate:
		return e.statusUpdate(ctx, sess, m)
	case LocationUpdate:
		if sess.Role != models.RoleDriver {
			return ErrForbidden
		}
		return e.location(ctx, sess.EntityID, m.Coord())
	case AvailabilityUpdate:
		if sess.Role != models.RoleDriver {
			return ErrForbidden
		}
		return e.availability(ctx, sess.EntityID, m.Available)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

func (e *Engine) connect(ctx context.Context, sess *Session, m Connect) error {
	switch m.Role {
	case models.RoleDriver, models.RoleCustomer, models.RoleAdmin:
	default:
		return fmt.Errorf("%w: role %q", order.ErrBadRequest, m.Role)
	}
	if m.EntityID == "" {
		return fmt.Errorf("%w: missing id", order.ErrBadRequest)
	}
	if sess.Connected() && (sess.Role != m.Role || sess.EntityID != m.EntityID) {
		return ErrAlreadyConnected
	}
	if err := e.conns.Register(m.Role, m.EntityID, sess.Channel); err != nil {
		return err
	}
	sess.Role, sess.EntityID = m.Role, m.EntityID

	switch m.Role {
	case models.RoleDriver:
		return e.driverOnline(ctx, sess, m.Loc)
	case models.RoleCustomer:
		if m.OrderID == "" {
			return nil
		}
		o, err := e.orders.Get(ctx, m.OrderID)
		if err != nil {
			return err
		}
		if o.CustomerID != m.EntityID {
			return ErrForbidden
		}
		return sess.Channel.Send(models.NewOutbound(models.MsgOrderStatusUpdate, e.snapshot(ctx, o)))
	}
	return nil
}

func (e *Engine) driverOnline(ctx context.Context, sess *Session, loc *models.Coord) error {
	held, err := e.orders.ListByDriver(ctx, sess.EntityID, order.ActiveStatuses...)
	if err != nil {
		return err
	}
	d := models.Driver{ID: sess.EntityID, Online: true, Available: len(held) == 0}
	for _, o := range held {
		d.ActiveOrders = append(d.ActiveOrders, o.ID)
	}
	if loc != nil {
		d.Loc = *loc
	} else if prev, ok, err := e.geo.Get(ctx, sess.EntityID); err == nil && ok {
		d.Loc = prev.Loc
	}
	if err := e.geo.Upsert(ctx, d); err != nil {
		return err
	}
	e.log.Info().Str("driver_id", d.ID).Int("active_orders", len(held)).Msg("driver online")
	if len(held) > 0 {
		e.conns.Broadcast(registry.AdminRoom, models.NewOutbound(models.MsgDriverStatus, driverStatus(d)))
	}
	for _, o := range held {
		_ = sess.Channel.Send(models.NewOutbound(models.MsgOrderStatusUpdate, e.snapshot(ctx, o)))
	}
	return nil
}

func (e *Engine) placeOrder(ctx context.Context, sess *Session, m PlaceOrder) error {
	customerID := sess.EntityID
	switch sess.Role {
	case models.RoleCustomer:
	case models.RoleAdmin:
		if m.CustomerID == "" {
			return fmt.Errorf("%w: customer_id required", order.ErrBadRequest)
		}
		customerID = m.CustomerID
	default:
		return ErrForbidden
	}
	_, err := e.Place(ctx, customerID, m)
	return err
}

// Place creates an order for customerID, confirms it to the customer and
// starts dispatch. Socket and REST entry points share it.
func (e *Engine) Place(ctx context.Context, customerID string, m PlaceOrder) (*models.Order, error) {
	o, err := e.orders.Create(ctx, order.CreateCommand{
		CustomerID:    customerID,
		Pickup:        m.Pickup,
		Dropoff:       m.Dropoff,
		DistanceMiles: m.DistanceMiles,
		Items:         m.Items,
		Subtotal:      m.Subtotal,
		Tip:           m.Tip,
		PaymentRef:    m.PaymentRef,
	})
	if err != nil {
		return nil, err
	}
	e.conns.Notify(models.RoleCustomer, o.CustomerID, models.NewOutbound(models.MsgOrderStatusUpdate, models.StatusUpdate{
		OrderID: o.ID,
		Status:  o.Status,
		Message: "Looking for a driver",
		Version: o.Version,
	}))
	if err := e.dispatch.Offer(ctx, o); err != nil && !errors.Is(err, matcher.ErrNoDriversAvailable) {
		e.log.Warn().Err(err).Str("order_id", o.ID).Msg("initial offer failed, periodic retry will pick it up")
	}
	return o, nil
}

// accept reports nothing back: the dispatcher already told the driver.
func (e *Engine) accept(ctx context.Context, driverID, orderID string) error {
	if _, err := e.dispatch.ResolveAccept(ctx, orderID, driverID); err != nil && !errors.Is(err, order.ErrOrderNotAvailable) && !errors.Is(err, order.ErrNotFound) && !errors.Is(err, order.ErrDriverBusy) {
		e.log.Error().Err(err).Str("order_id", orderID).Str("driver_id", driverID).Msg("accept failed")
	}
	return nil
}

func (e *Engine) statusUpdate(ctx context.Context, sess *Session, m StatusUpdate) error {
	if sess.Role == models.RoleDriver && (m.Status == models.StatusAccepted || m.Status == models.StatusAssigned) {
		return e.accept(ctx, sess.EntityID, m.OrderID)
	}
	_, err := e.orders.Advance(ctx, order.AdvanceCommand{
		OrderID: m.OrderID,
		Actor:   sess.Role,
		ActorID: sess.EntityID,
		Target:  m.Status,
		Reason:  m.Reason,
	})
	return err
}

func (e *Engine) location(ctx context.Context, driverID string, loc models.Coord) error {
	if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return fmt.Errorf("%w: invalid coordinates", order.ErrBadRequest)
	}
	err := e.geo.UpdateLocation(ctx, driverID, loc)
	if errors.Is(err, geo.ErrUnknownDriver) {
		err = e.geo.Upsert(ctx, models.Driver{ID: driverID, Loc: loc, Online: true, Available: true})
	}
	if err != nil {
		return err
	}
	d, ok, err := e.geo.Get(ctx, driverID)
	if err != nil || !ok {
		return err
	}
	if e.locations != nil {
		if err := e.locations.PublishLocation(ctx, d); err != nil {
			e.log.Warn().Err(err).Str("driver_id", driverID).Msg("publishing location")
		}
	}
	e.conns.Broadcast(registry.AdminRoom, models.NewOutbound(models.MsgDriverStatus, driverStatus(d)))

	held, err := e.orders.ListByDriver(ctx, driverID, order.ActiveStatuses...)
	if err != nil {
		return err
	}
	for _, o := range held {
		e.conns.Notify(models.RoleCustomer, o.CustomerID, models.NewOutbound(models.MsgOrderStatusUpdate, models.StatusUpdate{
			OrderID: o.ID,
			Status:  o.Status,
			Driver:  &models.DriverSummary{DriverID: driverID, Loc: &loc},
			Version: o.Version,
		}))
	}
	return nil
}

func (e *Engine) availability(ctx context.Context, driverID string, available bool) error {
	if err := e.geo.SetStatus(ctx, driverID, true, available); err != nil {
		return err
	}
	d, ok, err := e.geo.Get(ctx, driverID)
	if err != nil || !ok {
		return err
	}
	e.conns.Broadcast(registry.AdminRoom, models.NewOutbound(models.MsgDriverStatus, driverStatus(d)))
	return nil
}

func (e *Engine) snapshot(ctx context.Context, o *models.Order) models.StatusUpdate {
	u := models.StatusUpdate{OrderID: o.ID, Status: o.Status, Version: o.Version}
	if id := o.Driver(); id != "" {
		u.Driver = &models.DriverSummary{DriverID: id}
		if d, ok, err := e.geo.Get(ctx, id); err == nil && ok {
			loc := d.Loc
			u.Driver.Loc = &loc
		}
	}
	return u
}

func driverStatus(d models.Driver) models.DriverStatusPayload {
	loc := d.Loc
	return models.DriverStatusPayload{DriverID: d.ID, Online: d.Online, Available: d.Available, Loc: &loc}
}
