package models

import "time"

// Outbound message types sent to connected channels.
const (
	MsgNewOrderAvailable       = "new_order_available"
	MsgOrderNoLongerAvailable  = "order_no_longer_available"
	MsgOrderAcceptConfirmed    = "order_accept_confirmed"
	MsgOrderAcceptFailed       = "order_accept_failed"
	MsgOrderStatusUpdate       = "order_status_update"
	MsgOrderReassigned         = "order_reassigned"
	MsgNoDriversAvailable      = "no_drivers_available"
	MsgDriverStatus            = "driver_status"
	MsgDriverOfflineWithActive = "driver_offline_with_active_order"
	MsgError                   = "error"
)

// ReasonOrderUnavailable is the text drivers see when they lose an accept race.
const ReasonOrderUnavailable = "Order no longer available"

// ReasonDriverBusy is sent when a driver accepts while holding another order.
const ReasonDriverBusy = "Finish your current delivery before accepting another"

type Outbound struct {
	Type    string    `json:"type"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

func NewOutbound(typ string, payload any) Outbound {
	return Outbound{Type: typ, Payload: payload, SentAt: time.Now().UTC()}
}

type OrderSummary struct {
	OrderID       string  `json:"order_id"`
	CustomerID    string  `json:"customer_id,omitempty"`
	Pickup        Coord   `json:"pickup"`
	Dropoff       Coord   `json:"dropoff"`
	DistanceMiles float64 `json:"distance_miles"`
	Subtotal      Money   `json:"subtotal"`
	Tip           Money   `json:"tip"`
	Status        Status  `json:"status"`
}

func SummaryOf(o *Order) OrderSummary {
	return OrderSummary{
		OrderID:       o.ID,
		CustomerID:    o.CustomerID,
		Pickup:        o.Pickup,
		Dropoff:       o.Dropoff,
		DistanceMiles: o.DistanceMiles,
		Subtotal:      o.Subtotal,
		Tip:           o.Tip,
		Status:        o.Status,
	}
}

type OfferPayload struct {
	OrderSummary
	DistanceToPickupMiles float64   `json:"distance_to_pickup_miles"`
	ExpiresAt             time.Time `json:"expires_at"`
}

type AcceptResult struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason,omitempty"`
	Order   *Order `json:"order,omitempty"`
}

type DriverSummary struct {
	DriverID string `json:"driver_id"`
	Loc      *Coord `json:"loc,omitempty"`
}

type StatusUpdate struct {
	OrderID    string         `json:"order_id"`
	Status     Status         `json:"status"`
	OldStatus  Status         `json:"old_status,omitempty"`
	Driver     *DriverSummary `json:"driver,omitempty"`
	ETASeconds *float64       `json:"eta_seconds,omitempty"`
	Message    string         `json:"message,omitempty"`
	Version    int64          `json:"version"`
}

type Reassigned struct {
	OrderID  string `json:"order_id"`
	Reason   string `json:"reason"`
	DriverID string `json:"driver_id,omitempty"`
}

type NoDrivers struct {
	OrderID           string  `json:"order_id"`
	Reason            string  `json:"reason"`
	RadiusMiles       float64 `json:"radius_miles"`
	EstimatedWaitSecs int     `json:"estimated_wait_seconds"`
}

type DriverStatusPayload struct {
	DriverID  string `json:"driver_id"`
	Online    bool   `json:"online"`
	Available bool   `json:"available"`
	Loc       *Coord `json:"loc,omitempty"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
