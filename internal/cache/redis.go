// Provides cache interaction functions
package cache

import (
	"context"
	"encoding/json"
	"time"

	log "sw/ocpp/gateway/internal/logging"
	svc "sw/ocpp/gateway/internal/models/service"

	"github.com/go-redis/redis"
)

const (
	PrefixConnState string = "CS_"
	PrefixCpAuth    string = "CP_"

	DefaultTtl = 5 * time.Minute
)

func ConnectRedis(hostIp string, password string, dbId int) (*redis.Client, error) {
	log.Logger.Info("Connect to redis: ", hostIp)

	client := redis.NewClient(&redis.Options{
		Addr:     hostIp,
		Password: password,
		DB:       dbId,
	})

	pong, err := client.Ping().Result()
	if err != nil {
		log.Logger.Error("Error in redis connection: ", err.Error())
		client.Close()
		return nil, err
	}
	log.Logger.Info("Connected to redis: ", pong)
	return client, nil
}

// IdentityStore is the storage behind the cache.
type IdentityStore interface {
	ValidateStationIdentity(ctx context.Context, tenant string, token string, stationID string) (*svc.Station, error)
	RecordLastSeen(ctx context.Context, tenant string, stationID string, ts time.Time) error
}

// CachedIdentityStore caches successful identity lookups under CP_<tenant>~<station>
// and mirrors last seen under CS_<tenant>~<station>.
type CachedIdentityStore struct {
	store  IdentityStore
	client *redis.Client
	ttl    time.Duration
}

func NewCachedIdentityStore(store IdentityStore, client *redis.Client, ttl time.Duration) *CachedIdentityStore {
	if ttl <= 0 {
		ttl = DefaultTtl
	}
	return &CachedIdentityStore{store: store, client: client, ttl: ttl}
}

func cacheKey(prefix string, tenant string, stationID string) string {
	return prefix + tenant + "~" + stationID
}

func (c *CachedIdentityStore) ValidateStationIdentity(ctx context.Context, tenant string, token string, stationID string) (*svc.Station, error) {
	client := c.client.WithContext(ctx)
	key := cacheKey(PrefixCpAuth, tenant, stationID)

	val, err := client.Get(key).Result()
	switch {
	case err == nil:
		var st svc.Station
		if jsonErr := json.Unmarshal([]byte(val), &st); jsonErr == nil && (st.Token == "" || st.Token == token) {
			log.Logger.Debug("Found auth = ", key)
			return &st, nil
		}
	case err != redis.Nil:
		log.Logger.Warn("Cache error: ", err)
	}

	st, err := c.store.ValidateStationIdentity(ctx, tenant, token, stationID)
	if err != nil {
		return nil, err
	}
	if by, jsonErr := json.Marshal(st); jsonErr == nil {
		if setErr := client.Set(key, by, c.ttl).Err(); setErr != nil {
			log.Logger.Warn("Cache error: ", setErr)
		}
	}
	return st, nil
}

func (c *CachedIdentityStore) RecordLastSeen(ctx context.Context, tenant string, stationID string, ts time.Time) error {
	key := cacheKey(PrefixConnState, tenant, stationID)
	if err := c.client.WithContext(ctx).Set(key, ts.UnixMilli(), 0).Err(); err != nil {
		log.Logger.Warn("Cache error: ", err)
	}
	return c.store.RecordLastSeen(ctx, tenant, stationID, ts)
}

// Invalidate drops a cached identity, e.g. after the station record changed.
func (c *CachedIdentityStore) Invalidate(tenant string, stationID string) error {
	return c.client.Del(cacheKey(PrefixCpAuth, tenant, stationID)).Err()
}
