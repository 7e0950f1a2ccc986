package earnings

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

const creditGuardTTL = 30 * 24 * time.Hour

// RedisLedger keeps aggregates in a hash per driver and guards each order
// with a SETNX key.
type RedisLedger struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisLedger(client redis.UniversalClient) *RedisLedger {
	return &RedisLedger{client: client, now: time.Now}
}

func (r *RedisLedger) Credit(ctx context.Context, driverID, orderID string, amount models.Money, at time.Time) (bool, error) {
	ok, err := r.client.SetNX(ctx, guardKey(orderID), driverID, creditGuardTTL).Result()
	if err != nil {
		return false, fmt.Errorf("earnings guard %s: %w", orderID, err)
	}
	if !ok {
		return false, nil
	}
	pipe := r.client.TxPipeline()
	pipe.HIncrBy(ctx, accountKey(driverID), "total", amount.Cents())
	pipe.HIncrBy(ctx, accountKey(driverID), "pending", amount.Cents())
	pipe.HIncrBy(ctx, accountKey(driverID), "deliveries", 1)
	pipe.IncrBy(ctx, todayKey(driverID, at), amount.Cents())
	pipe.Expire(ctx, todayKey(driverID, at), 48*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		// release the guard so a retry can credit
		_ = r.client.Del(ctx, guardKey(orderID)).Err()
		return false, fmt.Errorf("earnings credit %s: %w", orderID, err)
	}
	return true, nil
}

func (r *RedisLedger) Get(ctx context.Context, driverID string) (models.DriverEarnings, error) {
	e := models.DriverEarnings{DriverID: driverID}
	h, err := r.client.HGetAll(ctx, accountKey(driverID)).Result()
	if err != nil {
		return e, fmt.Errorf("earnings get %s: %w", driverID, err)
	}
	e.Total = models.Cents(parseInt(h["total"]))
	e.Pending = models.Cents(parseInt(h["pending"]))
	e.Deliveries = parseInt(h["deliveries"])
	today, err := r.client.Get(ctx, todayKey(driverID, r.now())).Result()
	if err != nil && err != redis.Nil {
		return e, fmt.Errorf("earnings today %s: %w", driverID, err)
	}
	e.Today = models.Cents(parseInt(today))
	return e, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func guardKey(orderID string) string { return "earnings:credited:" + orderID }
func accountKey(driverID string) string { return "earnings:driver:" + driverID }
func todayKey(driverID string, t time.Time) string {
	return "earnings:driver:" + driverID + ":day:" + dayKey(t)
}
