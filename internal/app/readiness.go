package app

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// ReadinessCheck probes one backing dependency.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Pinger is the slice of a pgx pool readiness needs.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult mirrors the result of a go-redis Ping.
type RedisPingResult interface{ Err() error }

// RedisPinger is the slice of a Redis client readiness needs.
type RedisPinger interface {
	Ping(ctx context.Context) RedisPingResult
}

// DBCheck probes the Postgres pool.
func DBCheck(pool Pinger) ReadinessCheck {
	return ReadinessCheck{Name: "postgres", Check: func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}}
}

// RedisCheck probes the Redis connection backing the queue and pub/sub.
func RedisCheck(rdb RedisPinger) ReadinessCheck {
	return ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}}
}

// ReadyzHandler runs every check with a short deadline and reports 503
// with the failing dependency names when any fails.
func ReadyzHandler(checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		var failing []string
		for _, c := range checks {
			if err := c.Check(ctx); err != nil {
				failing = append(failing, c.Name)
			}
		}
		if len(failing) > 0 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failing": failing})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
