package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/delivery-dispatch/internal/models"
)

var (
	ErrUnknownMessage = errors.New("unknown message type")
	ErrBadPayload     = errors.New("malformed payload")
)

// Inbound is the closed set of messages a connection can deliver. Only types
// in this package implement it.
type Inbound interface {
	inbound()
}

type PlaceOrder struct {
	CustomerID    string             `json:"customer_id,omitempty"`
	Pickup        models.Coord       `json:"pickup"`
	Dropoff       models.Coord       `json:"dropoff"`
	DistanceMiles float64            `json:"distance_miles,omitempty"`
	Items         []models.OrderItem `json:"items,omitempty"`
	Subtotal      models.Money       `json:"subtotal,omitempty"`
	Tip           models.Money       `json:"tip,omitempty"`
	PaymentRef    string             `json:"payment_ref,omitempty"`
}

// Connect binds a connection to an entity. OrderID asks for a snapshot of
// one order, used by customers after a reconnect.
type Connect struct {
	Role     models.Role   `json:"-"`
	EntityID string        `json:"id"`
	Loc      *models.Coord `json:"loc,omitempty"`
	OrderID  string        `json:"order_id,omitempty"`
}

type AcceptOrder struct {
	OrderID string `json:"order_id"`
}

type DeclineOrder struct {
	OrderID string `json:"order_id"`
}

type StatusUpdate struct {
	OrderID string        `json:"order_id"`
	Status  models.Status `json:"status"`
	Reason  string        `json:"reason,omitempty"`
}

type LocationUpdate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (l LocationUpdate) Coord() models.Coord { return models.Coord{Lat: l.Lat, Lon: l.Lon} }

type AvailabilityUpdate struct {
	Available bool `json:"available"`
}

// Disconnect is synthesized by the transport when the connection drops.
type Disconnect struct{}

func (PlaceOrder) inbound()         {}
func (Connect) inbound()            {}
func (AcceptOrder) inbound()        {}
func (DeclineOrder) inbound()       {}
func (StatusUpdate) inbound()       {}
func (LocationUpdate) inbound()     {}
func (AvailabilityUpdate) inbound() {}
func (Disconnect) inbound()         {}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode parses a {"type": ..., "payload": ...} frame.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	var msg Inbound
	switch env.Type {
	case "place_order":
		var m PlaceOrder
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case "driver_connect", "customer_connect", "admin_connect":
		var m Connect
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		m.Role = models.Role(env.Type[:len(env.Type)-len("_connect")])
		msg = m
	case "accept_order":
		var m AcceptOrder
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case "decline_order":
		var m DeclineOrder
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case "order_status_update":
		var m StatusUpdate
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case "driver_location_update":
		var m LocationUpdate
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	case "driver_availability":
		var m AvailabilityUpdate
		if err := unmarshal(env.Payload, &m); err != nil {
			return nil, err
		}
		msg = m
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	return msg, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}
