// Builds the identity validation and admission control used by the sessions
package main

import (
	"time"

	redisManage "sw/ocpp/gateway/internal/cache"
	conf "sw/ocpp/gateway/internal/config"
	"sw/ocpp/gateway/internal/db"
	"sw/ocpp/gateway/internal/dispatch"
	"sw/ocpp/gateway/internal/server"
	"sw/ocpp/gateway/internal/session"

	"github.com/go-redis/redis"
)

type authSetup struct {
	Station  session.IdentityValidator
	Bridge   session.IdentityValidator
	LastSeen session.LastSeenRecorder
}

// setupAuth picks the validators for both routes. With auth disabled every
// identity is accepted; station metadata and last seen still go to storage.
func setupAuth(config conf.CsmsServerConfig, store *db.Store, cache *redis.Client) authSetup {
	var identities redisManage.IdentityStore = store
	if cache != nil && store != nil {
		ttl := time.Duration(config.Cache.TtlSecs) * time.Second
		identities = redisManage.NewCachedIdentityStore(store, cache, ttl)
	}

	auth := authSetup{
		Station: server.AllowAll{},
		Bridge:  server.BridgeValidator{Token: config.BridgeToken},
	}
	if store != nil {
		auth.LastSeen = identities
		auth.Bridge = server.BridgeValidator{Token: config.BridgeToken, Stations: store}
	}
	if !config.EnableAuth {
		log.Warn("Auth is disabled, accepting every station")
		return auth
	}
	if store == nil {
		log.Warn("Auth enabled without storage, accepting every station")
		return auth
	}
	auth.Station = identities
	return auth
}

// setupLimiters builds the burst and abuse limiters; redis counters need the cache.
func setupLimiters(config conf.RateLimitConfig, cache *redis.Client) []dispatch.Limiter {
	burstWindow := time.Duration(config.BurstWindowSecs) * time.Second
	abuseWindow := time.Duration(config.AbuseWindowSecs) * time.Second

	if config.Backend == "redis" {
		if cache != nil {
			return []dispatch.Limiter{
				dispatch.NewRedisLimiter("burst", config.BurstPoints, burstWindow, cache),
				dispatch.NewRedisLimiter("abuse", config.AbusePoints, abuseWindow, cache),
			}
		}
		log.Warn("Redis rate limiting configured without a cache, using memory")
	}
	return []dispatch.Limiter{
		dispatch.NewMemoryLimiter("burst", config.BurstPoints, burstWindow),
		dispatch.NewMemoryLimiter("abuse", config.AbusePoints, abuseWindow),
	}
}
