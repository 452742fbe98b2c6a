package security

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var errUnexpectedReply = errors.New("unexpected rate limiter reply")

// RedisTokenBucket shares one bucket per key across every API instance.
type RedisTokenBucket struct {
	Redis      *redis.Client
	Prefix     string
	Capacity   int
	RefillRate float64 // tokens per second

	// FailOpen lets requests through when Redis cannot be reached. Webhook
	// intake uses it so a cache outage never turns into provider redelivery.
	FailOpen bool
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// The script refills, takes a token if one is available and reports how
// long until the next one.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(data[1]) or capacity
local last = tonumber(data[2]) or now

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
tokens = tokens + elapsed * refill_rate
if tokens > capacity then tokens = capacity end

local allowed = 0
local wait = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
else
  wait = (1 - tokens) / refill_rate
end

redis.call('HSET', key, 'tokens', tokens, 'last', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(tokens), tostring(wait)}
`)

func (l *RedisTokenBucket) key(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

func (l *RedisTokenBucket) disabled() bool {
	return l == nil || l.Redis == nil || l.Capacity <= 0 || l.RefillRate <= 0
}

// Take consumes one token from the bucket identified by rawKey.
func (l *RedisTokenBucket) Take(ctx context.Context, rawKey string) (Decision, error) {
	if l.disabled() {
		return Decision{Allowed: true, Remaining: l.capacity()}, nil
	}

	now := float64(time.Now().UnixNano()) / 1e9
	ttl := int64(math.Ceil(float64(l.Capacity)/l.RefillRate)) + 1

	res, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.key(rawKey)}, l.Capacity, l.RefillRate, now, ttl).Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("%w: %v", errUnexpectedReply, res)
	}

	allowed, ok1 := luaNumber(res[0])
	tokens, ok2 := luaNumber(res[1])
	wait, ok3 := luaNumber(res[2])
	if !ok1 || !ok2 || !ok3 {
		return Decision{}, fmt.Errorf("%w: %v", errUnexpectedReply, res)
	}
	return Decision{
		Allowed:    allowed == 1,
		Remaining:  int(tokens),
		RetryAfter: time.Duration(wait * float64(time.Second)),
	}, nil
}

func (l *RedisTokenBucket) capacity() int {
	if l == nil {
		return 0
	}
	return l.Capacity
}

// luaNumber reads a Lua reply value; Redis truncates Lua floats to
// integers, so fractional values travel as strings.
func luaNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// KeyByIP rate limits per client address.
func KeyByIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return ""
	}
	return "ip:" + host
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Take(r.Context(), key)
			if err != nil {
				if l.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", retryAfterSeconds(d.RetryAfter))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
