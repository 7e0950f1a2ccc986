package earnings

import (
	"math"

	"github.com/example/delivery-dispatch/internal/models"
)

// Rates are the driver pay constants. MileageRate is cents per mile.
type Rates struct {
	BasePay     models.Money
	MileageRate models.Money
}

func DefaultRates() Rates {
	return Rates{BasePay: models.Cents(600), MileageRate: models.Cents(50)}
}

type Calculator struct {
	rates Rates
}

func NewCalculator(r Rates) Calculator {
	return Calculator{rates: r}
}

// Compute returns base + distance*rate + tip, mileage rounded to the cent.
func (c Calculator) Compute(distanceMiles float64, tip models.Money) models.Compensation {
	if distanceMiles < 0 {
		distanceMiles = 0
	}
	mileage := models.Money(math.Round(distanceMiles * float64(c.rates.MileageRate)))
	return models.Compensation{
		Base:    c.rates.BasePay,
		Mileage: mileage,
		Tip:     tip,
		Total:   c.rates.BasePay + mileage + tip,
	}
}
