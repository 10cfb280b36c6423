package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisGeo implements Index on top of Redis GEO commands, for deployments
// where several engine replicas need a shared view of worker positions. The
// capability tag and staleness clock live in a small per-worker hash.
type RedisGeo struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string, ttl time.Duration) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ttl: ttl, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(workerID string, p models.GeoPoint, capability string) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{
		Longitude: p.Lon,
		Latitude:  p.Lat,
		Name:      workerID,
	}).Result()
	_ = r.client.HSet(r.ctx, metaKey(workerID), map[string]interface{}{
		"capability": capability,
		"updated":    time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(workerID string) {
	_ = r.client.ZRem(r.ctx, r.key, workerID).Err()
	_ = r.client.Del(r.ctx, metaKey(workerID)).Err()
}

func (r *RedisGeo) QueryNearby(p models.GeoPoint, radiusMeters float64, capability string, limit int, keep Filter) []Candidate {
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lon,
			Latitude:   p.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		if len(out) >= limit {
			break
		}
		if !r.eligible(g.Name, capability) {
			continue
		}
		if keep != nil && !keep(g.Name) {
			continue
		}
		out = append(out, Candidate{WorkerID: g.Name, Distance: g.Dist})
	}
	return out
}

func (r *RedisGeo) CountNearby(p models.GeoPoint, radiusMeters float64, capability string, keep Filter) int {
	// GEOSEARCH has no server-side capability filter, so count client-side.
	return len(r.QueryNearby(p, radiusMeters, capability, 1<<20, keep))
}

func (r *RedisGeo) eligible(workerID, capability string) bool {
	m, err := r.client.HGetAll(r.ctx, metaKey(workerID)).Result()
	if err != nil || len(m) == 0 {
		return false
	}
	if capability != "" && m["capability"] != capability {
		return false
	}
	if v, ok := m["updated"]; ok {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return time.Since(t) <= r.ttl
		}
	}
	return false
}

// Ping checks connectivity, for readiness probes.
func (r *RedisGeo) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func metaKey(id string) string { return "worker:meta:" + id }
