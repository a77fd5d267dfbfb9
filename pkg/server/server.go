package server

import (
	"context"

	"github.com/kumarabd/gokit/logger"
	"github.com/kumarabd/ingestion-plane/classifier/internal/metrics"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/service"
)

// Config contains configuration for all server types
type Config struct {
	HTTP *HTTPConfig `json:"http" yaml:"http" validate:"required"`
}

type Handler struct {
	HTTP   *HTTP
	config *Config
	log    *logger.Handler
}

// New creates a new server handler
func New(l *logger.Handler, m *metrics.Handler, serverConfig *Config, svc *service.Handler) (*Handler, error) {
	var httpServer *HTTP
	if serverConfig.HTTP != nil {
		httpServer = NewHTTP(serverConfig.HTTP, svc, l, m)
	}

	return &Handler{
		HTTP:   httpServer,
		config: serverConfig,
		log:    l,
	}, nil
}

// Start starts the server; ch receives a value once it has stopped
func (h *Handler) Start(ch chan struct{}) {
	if h.HTTP != nil {
		go func() {
			if err := h.HTTP.Start(); err != nil {
				h.log.Error().Err(err).Msg("HTTP server failed")
			}
			ch <- struct{}{}
		}()
	}
}

// Stop shuts the server down gracefully
func (h *Handler) Stop(ctx context.Context) error {
	if h.HTTP == nil {
		return nil
	}
	return h.HTTP.Stop(ctx)
}
