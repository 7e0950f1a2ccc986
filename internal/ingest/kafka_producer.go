package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/delivery-dispatch/internal/models"
)

const (
	DefaultLocationsTopic = "driver-locations"
	DefaultOrdersTopic    = "order-events"

	publishTimeout = 2 * time.Second
)

// LocationMessage is the value written to the driver locations topic.
type LocationMessage struct {
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	At        time.Time `json:"at"`
}

// OrderEventMessage is the value written to the order events topic.
type OrderEventMessage struct {
	OrderID  string        `json:"order_id"`
	Old      models.Status `json:"old_status,omitempty"`
	New      models.Status `json:"new_status"`
	DriverID string        `json:"driver_id,omitempty"`
	Actor    models.Role   `json:"actor"`
	Reason   string        `json:"reason,omitempty"`
	Version  int64         `json:"version"`
	At       time.Time     `json:"at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver locations and order events, keyed by driver and
// order id so each entity stays on one partition.
type KafkaProducer struct {
	locations messageWriter
	orders    messageWriter
}

func NewKafkaProducer(brokers []string, locationsTopic, ordersTopic string) *KafkaProducer {
	if locationsTopic == "" {
		locationsTopic = DefaultLocationsTopic
	}
	if ordersTopic == "" {
		ordersTopic = DefaultOrdersTopic
	}
	return &KafkaProducer{
		locations: &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: locationsTopic, Balancer: &kafka.Hash{}},
		orders:    &kafka.Writer{Addr: kafka.TCP(brokers...), Topic: ordersTopic, Balancer: &kafka.Hash{}},
	}
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	msg := LocationMessage{DriverID: d.ID, Lat: d.Loc.Lat, Lon: d.Loc.Lon, Online: d.Online, Available: d.Available, At: d.Updated}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	return publish(ctx, k.locations, d.ID, msg)
}

func (k *KafkaProducer) PublishOrderEvent(ctx context.Context, e OrderEventMessage) error {
	return publish(ctx, k.orders, e.OrderID, e)
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []messageWriter{k.locations, k.orders} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}

func publish(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}
