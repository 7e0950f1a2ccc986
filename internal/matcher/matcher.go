package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
	"github.com/example/delivery-dispatch/internal/order"
	"github.com/example/delivery-dispatch/internal/registry"
)

// ErrNoDriversAvailable is a business outcome: the order stays pending.
var ErrNoDriversAvailable = errors.New("no drivers available")

type Geo interface {
	Nearby(ctx context.Context, p models.Coord, radiusMiles float64) ([]models.Candidate, error)
}

type Orders interface {
	TryAssign(ctx context.Context, orderID, driverID string, expectedVersion int64) (*models.Order, error)
	Get(ctx context.Context, id string) (*models.Order, error)
	ListPending(ctx context.Context) ([]*models.Order, error)
}

type Config struct {
	RadiusMiles    float64
	MaxRadiusMiles float64
	RadiusGrowth   float64
	OfferTimeout   time.Duration
	ExpiryTick     time.Duration
	RetryInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		RadiusMiles:    10,
		MaxRadiusMiles: 25,
		RadiusGrowth:   1.5,
		OfferTimeout:   60 * time.Second,
		ExpiryTick:     5 * time.Second,
		RetryInterval:  2 * time.Minute,
	}
}

// Offer is an open broadcast of one pending order to a candidate set.
type Offer struct {
	OrderID     string
	Version     int64
	Candidates  map[string]models.Candidate
	Declined    map[string]struct{}
	CreatedAt   time.Time
	RadiusMiles float64
	Attempt     int
}

type Service struct {
	geo    Geo
	orders Orders
	notify registry.Notifier
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	offers    map[string]*Offer
	quietTill map[string]time.Time
	lastSweep time.Time
}

func NewService(geo Geo, orders Orders, notify registry.Notifier, cfg Config, log zerolog.Logger) *Service {
	def := DefaultConfig()
	if cfg.RadiusMiles <= 0 {
		cfg.RadiusMiles = def.RadiusMiles
	}
	if cfg.MaxRadiusMiles < cfg.RadiusMiles {
		cfg.MaxRadiusMiles = cfg.RadiusMiles
	}
	if cfg.RadiusGrowth <= 1 {
		cfg.RadiusGrowth = def.RadiusGrowth
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = def.OfferTimeout
	}
	if cfg.ExpiryTick <= 0 {
		cfg.ExpiryTick = def.ExpiryTick
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	return &Service{
		geo:       geo,
		orders:    orders,
		notify:    notify,
		cfg:       cfg,
		log:       log,
		now:       func() time.Time { return time.Now().UTC() },
		offers:    make(map[string]*Offer),
		quietTill: make(map[string]time.Time),
	}
}

// Offer broadcasts a pending order to every eligible driver within the base
// radius. It returns ErrNoDriversAvailable after telling the customer and
// admins when nobody is in range.
func (s *Service) Offer(ctx context.Context, o *models.Order) error {
	return s.offer(ctx, o, s.cfg.RadiusMiles, 0, nil, true)
}

func (s *Service) offer(ctx context.Context, o *models.Order, radius float64, attempt int, declined map[string]struct{}, announce bool) error {
	if o.Status != models.StatusPending {
		return order.ErrOrderNotAvailable
	}
	found, err := s.geo.Nearby(ctx, o.Pickup, radius)
	if err != nil {
		return fmt.Errorf("nearby drivers for %s: %w", o.ID, err)
	}
	off := &Offer{
		OrderID:     o.ID,
		Version:     o.Version,
		Candidates:  make(map[string]models.Candidate, len(found)),
		Declined:    make(map[string]struct{}),
		CreatedAt:   s.now(),
		RadiusMiles: radius,
		Attempt:     attempt,
	}
	for id := range declined {
		off.Declined[id] = struct{}{}
	}
	for _, c := range found {
		if _, no := off.Declined[c.DriverID]; !no {
			off.Candidates[c.DriverID] = c
		}
	}

	if len(off.Candidates) == 0 {
		s.mu.Lock()
		delete(s.offers, o.ID)
		s.quietTill[o.ID] = s.now().Add(s.cfg.RetryInterval)
		s.mu.Unlock()
		observability.OffersTotal.WithLabelValues("no_candidates").Inc()
		if announce {
			s.noDrivers(o, radius)
		}
		s.log.Info().Str("order_id", o.ID).Float64("radius_miles", radius).Int("attempt", attempt).Msg("no drivers in range")
		return ErrNoDriversAvailable
	}

	s.mu.Lock()
	s.offers[o.ID] = off
	delete(s.quietTill, o.ID)
	s.mu.Unlock()

	// An accept may have landed while candidates were gathered. Once the
	// offer is stored, Watch and ResolveAccept will close it, so re-read.
	cur, err := s.orders.Get(ctx, o.ID)
	if err == nil && cur.Status != models.StatusPending {
		err = order.ErrOrderNotAvailable
	}
	s.mu.Lock()
	if err != nil {
		if s.offers[o.ID] == off {
			delete(s.offers, o.ID)
		}
		s.mu.Unlock()
		return err
	}
	off.Version = cur.Version
	s.mu.Unlock()
	o = cur

	expires := off.CreatedAt.Add(s.cfg.OfferTimeout)
	for id, c := range off.Candidates {
		s.notify.Notify(models.RoleDriver, id, models.NewOutbound(models.MsgNewOrderAvailable, models.OfferPayload{
			OrderSummary:          models.SummaryOf(o),
			DistanceToPickupMiles: math.Round(c.DistanceMiles*100) / 100,
			ExpiresAt:             expires,
		}))
	}
	observability.OffersTotal.WithLabelValues("offered").Inc()
	s.log.Info().Str("order_id", o.ID).Int("candidates", len(off.Candidates)).Float64("radius_miles", radius).Int("attempt", attempt).Msg("order offered")
	return nil
}

// ResolveAccept runs the accept race for driverID. Exactly one caller per
// order version wins; the others get order_accept_failed.
func (s *Service) ResolveAccept(ctx context.Context, orderID, driverID string) (*models.Order, error) {
	var expected int64
	s.mu.Lock()
	if off, ok := s.offers[orderID]; ok {
		expected = off.Version
	}
	s.mu.Unlock()

	o, err := s.orders.TryAssign(ctx, orderID, driverID, expected)
	switch {
	case errors.Is(err, order.ErrOrderNotAvailable), errors.Is(err, order.ErrNotFound):
		observability.AcceptsTotal.WithLabelValues("lost").Inc()
		s.notify.Notify(models.RoleDriver, driverID, models.NewOutbound(models.MsgOrderAcceptFailed,
			models.AcceptResult{OrderID: orderID, Reason: models.ReasonOrderUnavailable}))
		return nil, err
	case errors.Is(err, order.ErrDriverBusy):
		observability.AcceptsTotal.WithLabelValues("busy").Inc()
		s.notify.Notify(models.RoleDriver, driverID, models.NewOutbound(models.MsgOrderAcceptFailed,
			models.AcceptResult{OrderID: orderID, Reason: models.ReasonDriverBusy}))
		return nil, err
	case err != nil:
		observability.AcceptsTotal.WithLabelValues("error").Inc()
		s.notify.Notify(models.RoleDriver, driverID, models.NewOutbound(models.MsgError, models.ErrorPayload{Error: "could not accept order, try again"}))
		return nil, err
	}

	observability.AcceptsTotal.WithLabelValues("won").Inc()
	if off := s.take(orderID); off != nil {
		observability.OfferLatency.Observe(s.now().Sub(off.CreatedAt).Seconds())
		s.withdraw(off, driverID)
	}
	s.notify.Notify(models.RoleDriver, driverID, models.NewOutbound(models.MsgOrderAcceptConfirmed, models.AcceptResult{OrderID: orderID, Order: o}))
	s.log.Info().Str("order_id", orderID).Str("driver_id", driverID).Msg("order accepted")
	return o, nil
}

// Decline records that driverID passed on the order. When every candidate
// declined, the offer is expanded right away.
func (s *Service) Decline(ctx context.Context, orderID, driverID string) error {
	s.mu.Lock()
	off, ok := s.offers[orderID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	off.Declined[driverID] = struct{}{}
	exhausted := true
	for id := range off.Candidates {
		if _, d := off.Declined[id]; !d {
			exhausted = false
			break
		}
	}
	if exhausted {
		delete(s.offers, orderID)
	}
	s.mu.Unlock()

	s.log.Debug().Str("order_id", orderID).Str("driver_id", driverID).Bool("exhausted", exhausted).Msg("offer declined")
	if exhausted {
		observability.OffersTotal.WithLabelValues("declined").Inc()
		if err := s.expand(ctx, off); err != nil && !errors.Is(err, ErrNoDriversAvailable) && !errors.Is(err, order.ErrOrderNotAvailable) {
			return err
		}
	}
	return nil
}

// Watch closes open offers once their order leaves pending, whatever the
// cause. It returns when events is closed or ctx is done.
func (s *Service) Watch(ctx context.Context, events <-chan order.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Old != models.StatusPending || e.New == models.StatusPending {
				continue
			}
			if off := s.take(e.OrderID); off != nil {
				winner := ""
				if e.New == models.StatusAccepted || e.New == models.StatusAssigned {
					winner = e.DriverID
				}
				s.withdraw(off, winner)
			}
			s.mu.Lock()
			delete(s.quietTill, e.OrderID)
			s.mu.Unlock()
		}
	}
}

// RunExpiry expands timed out offers and re-offers stranded pending orders
// until ctx is done.
func (s *Service) RunExpiry(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ExpiryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one expiry pass.
func (s *Service) Sweep(ctx context.Context) {
	now := s.now()
	var expired []*Offer
	s.mu.Lock()
	for id, off := range s.offers {
		if now.Sub(off.CreatedAt) >= s.cfg.OfferTimeout {
			expired = append(expired, off)
			delete(s.offers, id)
		}
	}
	retry := now.Sub(s.lastSweep) >= s.cfg.RetryInterval
	if retry {
		s.lastSweep = now
	}
	s.mu.Unlock()

	for _, off := range expired {
		observability.OffersTotal.WithLabelValues("expired").Inc()
		if err := s.expand(ctx, off); err != nil && !errors.Is(err, ErrNoDriversAvailable) && !errors.Is(err, order.ErrOrderNotAvailable) {
			s.log.Warn().Err(err).Str("order_id", off.OrderID).Msg("re-offer after timeout")
		}
	}
	if retry {
		s.retryPending(ctx, now)
	}
}

func (s *Service) expand(ctx context.Context, off *Offer) error {
	o, err := s.orders.Get(ctx, off.OrderID)
	if err != nil {
		return err
	}
	if o.Status != models.StatusPending {
		return nil
	}
	radius, attempt := off.RadiusMiles, off.Attempt
	for radius < s.cfg.MaxRadiusMiles {
		radius = math.Min(radius*s.cfg.RadiusGrowth, s.cfg.MaxRadiusMiles)
		attempt++
		if err := s.offer(ctx, o, radius, attempt, off.Declined, false); !errors.Is(err, ErrNoDriversAvailable) {
			return err
		}
	}
	s.mu.Lock()
	s.quietTill[o.ID] = s.now().Add(s.cfg.RetryInterval)
	s.mu.Unlock()
	s.noDrivers(o, radius)
	return ErrNoDriversAvailable
}

func (s *Service) retryPending(ctx context.Context, now time.Time) {
	pending, err := s.orders.ListPending(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("listing pending orders")
		return
	}
	for _, o := range pending {
		s.mu.Lock()
		_, open := s.offers[o.ID]
		quiet := now.Before(s.quietTill[o.ID])
		s.mu.Unlock()
		if open || quiet {
			continue
		}
		if err := s.offer(ctx, o, s.cfg.RadiusMiles, 0, nil, false); err != nil && !errors.Is(err, ErrNoDriversAvailable) && !errors.Is(err, order.ErrOrderNotAvailable) {
			s.log.Warn().Err(err).Str("order_id", o.ID).Msg("periodic re-offer")
		}
	}
}

// OpenOffer returns a copy of the open offer for orderID.
func (s *Service) OpenOffer(orderID string) (Offer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offers[orderID]
	if !ok {
		return Offer{}, false
	}
	cp := *off
	cp.Candidates = make(map[string]models.Candidate, len(off.Candidates))
	for k, v := range off.Candidates {
		cp.Candidates[k] = v
	}
	cp.Declined = make(map[string]struct{}, len(off.Declined))
	for k := range off.Declined {
		cp.Declined[k] = struct{}{}
	}
	return cp, true
}

func (s *Service) take(orderID string) *Offer {
	s.mu.Lock()
	defer s.mu.Unlock()
	off, ok := s.offers[orderID]
	if !ok {
		return nil
	}
	delete(s.offers, orderID)
	return off
}

func (s *Service) withdraw(off *Offer, except string) {
	msg := models.NewOutbound(models.MsgOrderNoLongerAvailable, models.AcceptResult{OrderID: off.OrderID, Reason: models.ReasonOrderUnavailable})
	for id := range off.Candidates {
		if id != except {
			s.notify.Notify(models.RoleDriver, id, msg)
		}
	}
}

func (s *Service) noDrivers(o *models.Order, radius float64) {
	msg := models.NewOutbound(models.MsgNoDriversAvailable, models.NoDrivers{
		OrderID:           o.ID,
		Reason:            "no drivers available in your area",
		RadiusMiles:       radius,
		EstimatedWaitSecs: int(s.cfg.RetryInterval.Seconds()),
	})
	s.notify.Notify(models.RoleCustomer, o.CustomerID, msg)
	s.notify.Broadcast(registry.AdminRoom, msg)
}
