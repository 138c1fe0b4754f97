package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/AnshRaj112/peerlink-backend/pkg/clientip"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// CodeRateWindow is the fixed window for verification code requests.
	CodeRateWindow = 10 * time.Minute
	// CodeRateMaxRequests is how many codes one IP may request per window.
	CodeRateMaxRequests = 5
	// CodeRateKeyPrefix is the Redis key prefix for the per-IP counter.
	CodeRateKeyPrefix = "ratelimit:code:"
	// BlockedIPKeyPrefix is the Redis key prefix for blocked IPs.
	BlockedIPKeyPrefix = "blocked_ip:"
	// BlockedIPDuration is how long an IP that keeps hammering stays blocked.
	BlockedIPDuration = time.Hour
)

// CodeRateLimit guards the verification code endpoint with a fixed window
// counter shared through Redis, so the limit holds across relay instances.
// An IP that goes over twice the limit is blocked for BlockedIPDuration.
// Redis errors fail open.
func CodeRateLimit(client *redis.Client, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientip.RealClientIP(r)
			ctx := r.Context()

			blocked, err := client.Exists(ctx, BlockedIPKeyPrefix+ip).Result()
			if err == nil && blocked > 0 {
				tooMany(w, "Your IP has been temporarily blocked due to excessive requests. Please try again later.")
				return
			}

			key := CodeRateKeyPrefix + ip
			var incr *redis.IntCmd
			_, err = client.TxPipelined(ctx, func(p redis.Pipeliner) error {
				incr = p.Incr(ctx, key)
				p.ExpireNX(ctx, key, CodeRateWindow)
				return nil
			})
			if err != nil {
				log.Warn("code rate limit unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			count := int(incr.Val())
			if count > 2*CodeRateMaxRequests {
				client.Set(ctx, BlockedIPKeyPrefix+ip, "1", BlockedIPDuration)
				log.Info("ip blocked for code abuse", zap.String("ip", ip))
			}
			if count > CodeRateMaxRequests {
				w.Header().Set("Retry-After", strconv.Itoa(int(CodeRateWindow.Seconds())))
				tooMany(w, fmt.Sprintf("Too many code requests. Try again in %d minutes.", int(CodeRateWindow.Minutes())))
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(CodeRateMaxRequests))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(CodeRateMaxRequests-count))
			next.ServeHTTP(w, r)
		})
	}
}
