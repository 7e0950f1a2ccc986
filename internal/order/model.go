package order

import (
	"errors"
	"time"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrOrderNotAvailable = errors.New("order no longer available")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrNotFound          = errors.New("order not found")
	ErrBadRequest        = errors.New("bad request")
	ErrPersistence       = errors.New("order persistence failure")
	ErrDriverBusy        = errors.New("driver already holds an active order")
)

// Event is published once per successful transition. DriverID is the holder
// after the transition, or the released driver when the order lost its driver.
type Event struct {
	OrderID  string
	Old      models.Status
	New      models.Status
	DriverID string
	Actor    models.Role
	Reason   string
	Order    *models.Order
	At       time.Time
}

var forward = map[models.Status]models.Status{
	models.StatusAccepted:  models.StatusPickedUp,
	models.StatusAssigned:  models.StatusPickedUp,
	models.StatusPickedUp:  models.StatusInTransit,
	models.StatusInTransit: models.StatusDelivered,
}

// CanTransition reports whether actor may move an order from one status to
// another through Advance. Accepting and reverting have their own operations.
func CanTransition(from, to models.Status, actor models.Role) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case models.StatusCancelled:
		return actor == models.RoleCustomer || actor == models.RoleDriver || actor == models.RoleAdmin
	case models.StatusFailed:
		return actor == models.RoleSystem || actor == models.RoleAdmin
	default:
		next, ok := forward[from]
		return ok && next == to && actor == models.RoleDriver
	}
}

// Holding reports whether the status keeps a driver attached.
func Holding(s models.Status) bool {
	switch s {
	case models.StatusPending, models.StatusCancelled, models.StatusFailed:
		return false
	}
	return true
}

// ActiveStatuses are the states in which a driver is busy with an order.
var ActiveStatuses = []models.Status{models.StatusAccepted, models.StatusAssigned, models.StatusPickedUp, models.StatusInTransit}

type CreateCommand struct {
	CustomerID    string
	Pickup        models.Coord
	Dropoff       models.Coord
	DistanceMiles float64
	Items         []models.OrderItem
	Subtotal      models.Money
	Tip           models.Money
	PaymentRef    string
}

type AdvanceCommand struct {
	OrderID string
	Actor   models.Role
	ActorID string
	Target  models.Status
	Reason  string
}
