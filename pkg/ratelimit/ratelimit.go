// Package ratelimit admits or denies requests per (route, caller) using fixed
// window counters kept in the coordination store.
//
// The limiter fails open: when the store cannot be reached every request is
// admitted, favoring availability over strict quota enforcement.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
	"golang.org/x/time/rate"
)

var ErrLimited = types.NewError(types.KindRateLimited, "rate_limited", "rate limit exceeded, retry later")

// Limit is the quota for one route. Limit <= 0 disables limiting.
type Limit struct {
	Limit  int           `json:"limit" yaml:"limit" default:"100" validate:"gte=0"`
	Window time.Duration `json:"window" yaml:"window" default:"10s" validate:"gt=0"`
}

// Config contains configuration for the rate limiter
type Config struct {
	KeyPrefix string           `json:"key_prefix" yaml:"key_prefix" default:"ratelimit" validate:"required"`
	Default   Limit            `json:"default" yaml:"default"`
	Routes    map[string]Limit `json:"routes" yaml:"routes" validate:"dive"`
}

// Counter is the subset of the coordination store the limiter needs
type Counter interface {
	IncrWithExpiry(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Decision is the outcome of one Admit call
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int
	RetryAfter time.Duration
	// FailOpen is set when the store was unreachable and the request was admitted unchecked
	FailOpen bool
}

// Limiter is safe for concurrent use; all counting happens in the store
type Limiter struct {
	counter Counter
	config  *Config
	log     *logger.Handler
	metric  *metrics.Handler
	now     func() time.Time

	// failOpenLog throttles the fail-open warning to one per interval
	failOpenLog rate.Sometimes
}

func New(counter Counter, config *Config, l *logger.Handler, m *metrics.Handler) *Limiter {
	return &Limiter{
		counter: counter,
		config:  config,
		log:     l,
		metric:  m,
		now:     time.Now,

		failOpenLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// LimitFor returns the quota that applies to route
func (l *Limiter) LimitFor(route string) Limit {
	if lim, ok := l.config.Routes[route]; ok {
		return lim
	}
	return l.config.Default
}

// Admit counts one request for (route, caller) in the current window
func (l *Limiter) Admit(ctx context.Context, route, caller string) Decision {
	lim := l.LimitFor(route)
	if lim.Limit <= 0 || lim.Window <= 0 {
		return Decision{Allowed: true, Limit: lim.Limit}
	}

	now := l.now()
	window := now.UnixNano() / int64(lim.Window)
	key := l.config.KeyPrefix + ":" + route + ":" + caller + ":" + strconv.FormatInt(window, 10)

	count, err := l.counter.IncrWithExpiry(ctx, key, lim.Window)
	if err != nil {
		l.metric.IncRateLimit(route, "failopen")
		if l.log != nil {
			l.failOpenLog.Do(func() {
				l.log.Warn().Err(err).Str("route", route).Msg("rate limiter failing open")
			})
		}
		return Decision{Allowed: true, Limit: lim.Limit, FailOpen: true}
	}

	if count > int64(lim.Limit) {
		l.metric.IncRateLimit(route, "denied")
		next := time.Unix(0, (window+1)*int64(lim.Window))
		return Decision{
			Allowed:    false,
			Count:      count,
			Limit:      lim.Limit,
			RetryAfter: next.Sub(now),
		}
	}

	l.metric.IncRateLimit(route, "allowed")
	return Decision{Allowed: true, Count: count, Limit: lim.Limit}
}
