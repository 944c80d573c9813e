package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-escrow/internal/models"
)

// RedisGeo implements Tracker on Redis GEO commands so last-known party
// positions survive a coordinator restart.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(party string, c models.Coord) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: party}).Result()
	_ = r.client.HSet(r.ctx, metaKey(party), map[string]interface{}{"updated": time.Now().Format(time.RFC3339)}).Err()
}

func (r *RedisGeo) Last(party string) (models.Coord, bool) {
	pos, err := r.client.GeoPos(r.ctx, r.key, party).Result()
	if err != nil || len(pos) == 0 || pos[0] == nil {
		return models.Coord{}, false
	}
	return models.Coord{Lat: pos[0].Latitude, Lon: pos[0].Longitude}, true
}

func metaKey(party string) string { return "party:meta:" + party }
