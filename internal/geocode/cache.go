package geocode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/trackhub/internal/metrics"
	"github.com/ukydev/trackhub/internal/models"
)

// Resolver is anything that can reverse geocode a location.
type Resolver interface {
	ReverseGeocode(ctx context.Context, loc models.Location) (string, error)
}

// Cached answers from Redis before asking the upstream resolver. Coordinates
// are rounded to four decimals (about 11 m) to share entries between
// neighbouring samples.
type Cached struct {
	upstream Resolver
	client   *redis.Client
	ttl      time.Duration
}

// NewCached wraps upstream with a Redis cache. A nil client disables caching.
func NewCached(upstream Resolver, client *redis.Client, ttl time.Duration) *Cached {
	return &Cached{upstream: upstream, client: client, ttl: ttl}
}

// ConnectRedis opens a client and checks the server answers.
func ConnectRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Key returns the cache key of a location.
func Key(loc models.Location) string {
	return fmt.Sprintf("geocode:%.4f:%.4f", loc.Lat, loc.Lon)
}

// ReverseGeocode implements Resolver.
func (c *Cached) ReverseGeocode(ctx context.Context, loc models.Location) (string, error) {
	key := Key(loc)
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		switch {
		case err == nil:
			metrics.GeocodeLookups.WithLabelValues("cache").Inc()
			return val, nil
		case errors.Is(err, redis.Nil):
		default:
			log.WithError(err).WithField("key", key).Warn("geocode cache read failed")
		}
	}

	name, err := c.upstream.ReverseGeocode(ctx, loc)
	if err != nil {
		metrics.GeocodeLookups.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.GeocodeLookups.WithLabelValues("upstream").Inc()

	if c.client != nil {
		if err := c.client.Set(ctx, key, name, c.ttl).Err(); err != nil {
			log.WithError(err).WithField("key", key).Warn("geocode cache write failed")
		}
	}
	return name, nil
}
