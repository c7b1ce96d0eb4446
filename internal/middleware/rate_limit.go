package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// requestCeilingPrefix namespaces ceiling counters in a shared store
const requestCeilingPrefix = "authguard:ceiling"

// RequestCeiling is a coarse per-IP request cap in front of the
// authentication endpoints. It counts every request, successful or not,
// and is independent of the per-endpoint failure backoff.
type RequestCeiling struct {
	limiter *limiter.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewRequestCeiling creates a ceiling from a formatted rate such as "100-M".
// Counters live in Redis when client is non-nil and in process memory otherwise.
// An empty rate returns nil, which Handler treats as disabled.
func NewRequestCeiling(rateFormatted string, client redis.UniversalClient, log *slog.Logger) (*RequestCeiling, error) {
	if rateFormatted == "" {
		return nil, nil
	}
	rate, err := limiter.NewRateFromFormatted(rateFormatted)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}

	var store limiter.Store
	if client != nil {
		store, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: requestCeilingPrefix})
		if err != nil {
			return nil, err
		}
	} else {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: requestCeilingPrefix})
	}

	return &RequestCeiling{
		limiter: limiter.New(store, rate),
		logger:  log,
		now:     time.Now,
	}, nil
}

// Handler returns the middleware. A nil ceiling passes every request through.
func (c *RequestCeiling) Handler(next http.Handler) http.Handler {
	if c == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := clientKey(r)
		lctx, err := c.limiter.Get(r.Context(), key)
		if err != nil {
			// fail open: the per-endpoint backoff still applies
			c.logger.Error("request ceiling unavailable", slog.String("error", err.Error()))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			retryAfter := lctx.Reset - c.now().Unix()
			if retryAfter < 0 {
				retryAfter = 0
			}
			writeRateLimitError(w, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientKey returns the remote IP; TrustedProxies runs upstream
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeRateLimitError writes a 429 Too Many Requests response
func writeRateLimitError(w http.ResponseWriter, retryAfter int64) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
	w.WriteHeader(http.StatusTooManyRequests)

	response := map[string]interface{}{
		"success": false,
		"error": map[string]interface{}{
			"code":    "TOO_MANY_REQUESTS",
			"message": "Rate limit exceeded. Please try again later.",
			"details": map[string][]string{
				"retry_after": {strconv.FormatInt(retryAfter, 10)},
			},
		},
		"timestamp": time.Now().UTC(),
	}

	json.NewEncoder(w).Encode(response)
}
