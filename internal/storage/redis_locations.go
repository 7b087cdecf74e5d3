package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/bus-booking/internal/models"
)

// LocationCache mirrors the latest accepted GPS fix per bus into Redis:
// a GEOADD entry for map queries plus a hash with the raw fields. The
// Kafka consumer writes it; the HTTP resync path reads it.
type LocationCache struct {
	client *redis.Client
	geoKey string
}

func NewLocationCache(client *redis.Client, geoKey string) *LocationCache {
	if geoKey == "" {
		geoKey = "buses_geo"
	}
	return &LocationCache{client: client, geoKey: geoKey}
}

func locKey(busID string) string { return "bus:loc:" + busID }

func (c *LocationCache) Set(ctx context.Context, loc models.BusLocation) error {
	if _, err := c.client.GeoAdd(ctx, c.geoKey, &redis.GeoLocation{
		Longitude: loc.Longitude,
		Latitude:  loc.Latitude,
		Name:      loc.BusID,
	}).Result(); err != nil {
		return err
	}
	return c.client.HSet(ctx, locKey(loc.BusID), map[string]interface{}{
		"lat": strconv.FormatFloat(loc.Latitude, 'f', -1, 64),
		"lon": strconv.FormatFloat(loc.Longitude, 'f', -1, 64),
		"ts":  loc.Timestamp.Format(time.RFC3339),
	}).Err()
}

func (c *LocationCache) Get(ctx context.Context, busID string) (models.BusLocation, error) {
	m, err := c.client.HGetAll(ctx, locKey(busID)).Result()
	if err != nil {
		return models.BusLocation{}, err
	}
	if len(m) == 0 {
		return models.BusLocation{}, ErrNotFound
	}
	loc := models.BusLocation{BusID: busID}
	if v, ok := m["lat"]; ok {
		loc.Latitude, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["lon"]; ok {
		loc.Longitude, _ = strconv.ParseFloat(v, 64)
	}
	if v, ok := m["ts"]; ok {
		loc.Timestamp, _ = time.Parse(time.RFC3339, v)
	}
	return loc, nil
}
