package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Role string

const (
	RoleDriver   Role = "driver"
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAssigned  Status = "assigned"
	StatusAccepted  Status = "accepted"
	StatusPickedUp  Status = "picked_up"
	StatusInTransit Status = "in_transit"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled || s == StatusFailed
}

// Committed reports whether the holding driver has physically taken the order.
func (s Status) Committed() bool {
	return s == StatusPickedUp || s == StatusInTransit || s == StatusDelivered
}

type OrderItem struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	Price     Money  `json:"price"`
}

type Compensation struct {
	Base    Money `json:"base_pay"`
	Mileage Money `json:"mileage_pay"`
	Tip     Money `json:"tip"`
	Total   Money `json:"total"`
}

type Order struct {
	ID            string        `json:"id"`
	Status        Status        `json:"status"`
	CustomerID    string        `json:"customer_id"`
	DriverID      *string       `json:"driver_id"`
	Pickup        Coord         `json:"pickup"`
	Dropoff       Coord         `json:"dropoff"`
	DistanceMiles float64       `json:"distance_miles"`
	Items         []OrderItem   `json:"items,omitempty"`
	Subtotal      Money         `json:"subtotal"`
	Tip           Money         `json:"tip"`
	PaymentRef    string        `json:"payment_ref,omitempty"`
	Compensation  *Compensation `json:"compensation,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	Version       int64         `json:"version"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	PickedUpAt  *time.Time `json:"picked_up_at,omitempty"`
	InTransitAt *time.Time `json:"in_transit_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so stores and callers never share pointers.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	if o.DriverID != nil {
		d := *o.DriverID
		c.DriverID = &d
	}
	if o.Compensation != nil {
		comp := *o.Compensation
		c.Compensation = &comp
	}
	if o.Items != nil {
		c.Items = append([]OrderItem(nil), o.Items...)
	}
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.PickedUpAt = cloneTime(o.PickedUpAt)
	c.InTransitAt = cloneTime(o.InTransitAt)
	c.DeliveredAt = cloneTime(o.DeliveredAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	c.FailedAt = cloneTime(o.FailedAt)
	return &c
}

// Driver returns the holding driver id or "".
func (o *Order) Driver() string {
	if o == nil || o.DriverID == nil {
		return ""
	}
	return *o.DriverID
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Driver is the live session of a connected driver.
type Driver struct {
	ID           string    `json:"id"`
	Loc          Coord     `json:"loc"`
	Online       bool      `json:"online"`
	Available    bool      `json:"available"`
	ActiveOrders []string  `json:"active_orders,omitempty"`
	Updated      time.Time `json:"updated"`
}

// Candidate is a driver returned by a radius query.
type Candidate struct {
	DriverID      string  `json:"driver_id"`
	Loc           Coord   `json:"loc"`
	DistanceMiles float64 `json:"distance_miles"`
}

type DriverEarnings struct {
	DriverID   string `json:"driver_id"`
	Total      Money  `json:"total"`
	Today      Money  `json:"today"`
	Pending    Money  `json:"pending"`
	Deliveries int64  `json:"deliveries"`
}
