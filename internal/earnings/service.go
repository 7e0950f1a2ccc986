package earnings

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/delivery-dispatch/internal/models"
	"github.com/example/delivery-dispatch/internal/observability"
)

var ErrNoDriver = errors.New("earnings: order has no driver")

// Service applies compensation to delivered orders exactly once.
type Service struct {
	calc   Calculator
	ledger Ledger
	log    zerolog.Logger
}

func NewService(calc Calculator, ledger Ledger, log zerolog.Logger) *Service {
	return &Service{calc: calc, ledger: ledger, log: log}
}

// Settle writes the compensation breakdown into o unless one is already set.
func (s *Service) Settle(o *models.Order) bool {
	if o.Compensation != nil {
		return false
	}
	c := s.calc.Compute(o.DistanceMiles, o.Tip)
	o.Compensation = &c
	return true
}

// Credit adds o's compensation to the holding driver's aggregates. A second
// call for the same order is a no-op.
func (s *Service) Credit(ctx context.Context, o *models.Order) error {
	if o.Compensation == nil {
		return nil
	}
	driverID := o.Driver()
	if driverID == "" {
		return ErrNoDriver
	}
	at := time.Now()
	if o.DeliveredAt != nil {
		at = *o.DeliveredAt
	}
	applied, err := s.ledger.Credit(ctx, driverID, o.ID, o.Compensation.Total, at)
	if err != nil {
		return err
	}
	if !applied {
		s.log.Warn().Str("order_id", o.ID).Str("driver_id", driverID).Msg("earnings already credited")
		return nil
	}
	observability.EarningsCreditedCents.Add(float64(o.Compensation.Total.Cents()))
	s.log.Info().Str("order_id", o.ID).Str("driver_id", driverID).Str("total", o.Compensation.Total.String()).Msg("earnings credited")
	return nil
}

func (s *Service) Earnings(ctx context.Context, driverID string) (models.DriverEarnings, error) {
	return s.ledger.Get(ctx, driverID)
}
