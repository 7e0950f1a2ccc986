package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/delivery-dispatch/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands plus a meta hash per driver.
type RedisGeo struct {
	client redis.UniversalClient
	key    string
}

func NewRedisGeo(client redis.UniversalClient, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, d models.Driver) error {
	pipe := r.client.TxPipeline()
	pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: d.Loc.Lon, Latitude: d.Loc.Lat, Name: d.ID})
	pipe.HSet(ctx, metaKey(d.ID), map[string]interface{}{
		"online":    strconv.FormatBool(d.Online),
		"available": strconv.FormatBool(d.Online && d.Available),
		"updated":   time.Now().UTC().Format(time.RFC3339),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", d.ID, err)
	}
	return nil
}

func (r *RedisGeo) UpdateLocation(ctx context.Context, driverID string, loc models.Coord) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis geo exists %s: %w", driverID, err)
	}
	if n == 0 {
		return ErrUnknownDriver
	}
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID}).Err(); err != nil {
		return fmt.Errorf("redis geo location %s: %w", driverID, err)
	}
	return r.client.HSet(ctx, metaKey(driverID), "updated", time.Now().UTC().Format(time.RFC3339)).Err()
}

func (r *RedisGeo) SetStatus(ctx context.Context, driverID string, online, available bool) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("redis geo exists %s: %w", driverID, err)
	}
	if n == 0 {
		return ErrUnknownDriver
	}
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"online":    strconv.FormatBool(online),
		"available": strconv.FormatBool(online && available),
		"updated":   time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Get(ctx context.Context, driverID string) (models.Driver, bool, error) {
	meta, err := r.client.HGetAll(ctx, metaKey(driverID)).Result()
	if err != nil {
		return models.Driver{}, false, fmt.Errorf("redis geo meta %s: %w", driverID, err)
	}
	if len(meta) == 0 {
		return models.Driver{}, false, nil
	}
	d := driverFromMeta(driverID, meta)
	pos, err := r.client.GeoPos(ctx, r.key, driverID).Result()
	if err != nil {
		return models.Driver{}, false, fmt.Errorf("redis geo pos %s: %w", driverID, err)
	}
	if len(pos) == 1 && pos[0] != nil {
		d.Loc = models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}
	}
	return d, true, nil
}

func (r *RedisGeo) Nearby(ctx context.Context, p models.Coord, radiusMiles float64) ([]models.Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusMiles,
			RadiusUnit: "mi",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	out := make([]models.Candidate, 0, len(res))
	for _, g := range res {
		meta, err := r.client.HMGet(ctx, metaKey(g.Name), "online", "available").Result()
		if err != nil {
			return nil, fmt.Errorf("redis geo meta %s: %w", g.Name, err)
		}
		if !truthy(meta[0]) || !truthy(meta[1]) {
			continue
		}
		out = append(out, models.Candidate{
			DriverID:      g.Name,
			Loc:           models.Coord{Lat: g.Latitude, Lon: g.Longitude},
			DistanceMiles: g.Dist,
		})
	}
	sortCandidates(out)
	return out, nil
}

func driverFromMeta(id string, m map[string]string) models.Driver {
	d := models.Driver{ID: id, Online: m["online"] == "true", Available: m["available"] == "true"}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			d.Updated = t
		}
	}
	return d
}

func truthy(v interface{}) bool {
	s, ok := v.(string)
	return ok && s == "true"
}

func metaKey(id string) string { return "driver:meta:" + id }
