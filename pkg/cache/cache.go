package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
)

// Config contains configuration for the result cache
type Config struct {
	TTL       time.Duration `json:"ttl" yaml:"ttl" default:"5m" validate:"gt=0"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix" default:"loglevel" validate:"required"`
}

// Store is the subset of the coordination store the cache needs
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Handler maps a (mode, line) fingerprint to a previously extracted level.
// Store failures make Lookup report absent and Store a no-op: losing the cache
// only costs a re-parse.
type Handler struct {
	store  Store
	config *Config
	log    *logger.Handler
	metric *metrics.Handler
}

func New(store Store, config *Config, l *logger.Handler, m *metrics.Handler) (*Handler, error) {
	return &Handler{
		store:  store,
		config: config,
		log:    l,
		metric: m,
	}, nil
}

// Fingerprint returns the hex sha256 of mode, a zero byte, then line
func Fingerprint(mode logtypes.Mode, line string) string {
	h := sha256.New()
	h.Write([]byte(mode))
	h.Write([]byte{0})
	h.Write([]byte(line))
	return hex.EncodeToString(h.Sum(nil))
}

// Key returns the store key for a (mode, line) pair
func (h *Handler) Key(mode logtypes.Mode, line string) string {
	return h.config.KeyPrefix + ":" + Fingerprint(mode, line)
}

// Lookup returns the cached level for (mode, line)
func (h *Handler) Lookup(ctx context.Context, mode logtypes.Mode, line string) (string, bool) {
	value, found, err := h.store.Get(ctx, h.Key(mode, line))
	switch {
	case err != nil:
		h.metric.IncCacheLookup("bypass")
		return "", false
	case !found || len(value) == 0:
		h.metric.IncCacheLookup("miss")
		return "", false
	default:
		h.metric.IncCacheLookup("hit")
		return string(value), true
	}
}

// Store records level for (mode, line) with the configured TTL
func (h *Handler) Store(ctx context.Context, mode logtypes.Mode, line, level string) {
	if level == "" {
		return
	}
	if err := h.store.SetWithTTL(ctx, h.Key(mode, line), []byte(level), h.config.TTL); err != nil && h.log != nil {
		h.log.Debug().Err(err).Msg("result cache store skipped")
	}
}

// Ping reports whether lookups reach the store right now. It never touches
// the store itself.
func (h *Handler) Ping() bool {
	if p, ok := h.store.(interface{ Healthy() bool }); ok {
		return p.Healthy()
	}
	return true
}
