package dispatch

import (
	"context"
	"time"

	"sw/ocpp/gateway/internal/helpers"

	"github.com/go-redis/redis"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

const rateLimitPrefix = "RL_"

// Limiter admits at most a fixed number of points per key per window.
type Limiter interface {
	Name() string
	// Consume takes one point for key and reports whether it was admitted.
	Consume(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter keeps one token bucket per key in process memory: points
// tokens at most, refilled at points per window.
type MemoryLimiter struct {
	name    string
	points  int
	window  time.Duration
	now     func() time.Time
	buckets *xsync.MapOf[string, *rate.Limiter]
}

func NewMemoryLimiter(name string, points int, window time.Duration) *MemoryLimiter {
	if points < 1 {
		points = 1
	}
	return &MemoryLimiter{
		name:    name,
		points:  points,
		window:  window,
		now:     helpers.Now,
		buckets: xsync.NewMapOf[string, *rate.Limiter](),
	}
}

func (l *MemoryLimiter) Name() string { return l.name }

func (l *MemoryLimiter) newBucket() *rate.Limiter {
	return rate.NewLimiter(rate.Every(l.window/time.Duration(l.points)), l.points)
}

func (l *MemoryLimiter) Consume(ctx context.Context, key string) (bool, error) {
	bucket, _ := l.buckets.LoadOrCompute(key, l.newBucket)
	return bucket.AllowN(l.now(), 1), nil
}

// Expunge drops buckets that have refilled completely; they behave like new ones.
func (l *MemoryLimiter) Expunge() int {
	now := l.now()
	full := float64(l.points)
	removed := 0
	l.buckets.Range(func(key string, _ *rate.Limiter) bool {
		l.buckets.Compute(key, func(bucket *rate.Limiter, loaded bool) (*rate.Limiter, bool) {
			drop := loaded && bucket.TokensAt(now) >= full
			if drop {
				removed++
			}
			return bucket, drop
		})
		return true
	})
	return removed
}

// slidingWindow admits a call when fewer than ARGV[3] calls were admitted in the
// last ARGV[2] ms; trimming, counting and adding run atomically in redis.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
if redis.call('ZCARD', key) < limit then
	redis.call('ZADD', key, now, ARGV[4])
	redis.call('PEXPIRE', key, window)
	return 1
end
return 0
`)

// RedisLimiter shares a sliding window log between gateway instances.
type RedisLimiter struct {
	name   string
	points int
	window time.Duration
	now    func() time.Time
	client *redis.Client
}

func NewRedisLimiter(name string, points int, window time.Duration, client *redis.Client) *RedisLimiter {
	return &RedisLimiter{name: name, points: points, window: window, now: helpers.Now, client: client}
}

func (l *RedisLimiter) Name() string { return l.name }

func (l *RedisLimiter) key(key string) string {
	return rateLimitPrefix + l.name + "_" + key
}

func (l *RedisLimiter) Consume(ctx context.Context, key string) (bool, error) {
	admitted, err := slidingWindow.Run(l.client.WithContext(ctx), []string{l.key(key)},
		l.now().UnixMilli(), l.window.Milliseconds(), l.points, uuid.NewString()).Int64()
	if err != nil {
		return false, err
	}
	return admitted == 1, nil
}
