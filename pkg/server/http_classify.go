package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/dispatch"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/logtypes"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/ratelimit"
	"github.com/kumarabd/ingestion-plane/classifier/pkg/types"
)

var (
	errRateLimited  = ratelimit.ErrLimited
	errInvalidBody  = types.NewError(types.KindInput, "invalid_body", "invalid request body")
	errInvalidMode  = types.NewError(types.KindInput, "invalid_mode", "mode must be plain or json")
	errBatchTooLong = types.NewError(types.KindInput, "batch_too_large", "batch has too many lines")
)

var strategyFor = map[string]dispatch.Strategy{
	"/batch":         dispatch.StrategyCooperative,
	"/batch_threads": dispatch.StrategyPool,
	"/cpu_processes": dispatch.StrategyIsolated,
}

type parseRequest struct {
	Mode string `json:"mode" binding:"required"`
	Line string `json:"line"`
}

type batchRequest struct {
	Mode  string   `json:"mode" binding:"required"`
	Lines []string `json:"lines" binding:"required"`
}

type batchResponse struct {
	Counts     map[string]int `json:"counts"`
	Total      int            `json:"total"`
	Hashes     []string       `json:"hashes,omitempty"`
	Partial    bool           `json:"partial,omitempty"`
	Incomplete int            `json:"incomplete,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *HTTP) parseHandler(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(err)
		writeError(c, errInvalidBody.Wrap(err))
		return
	}
	mode, err := logtypes.ParseMode(req.Mode)
	if err != nil {
		writeError(c, errInvalidMode.Wrap(err))
		return
	}

	level, err := s.service.Parse(c.Request.Context(), mode, req.Line)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"level": level})
}

func (s *HTTP) batchHandler(strategy dispatch.Strategy) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req batchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			_ = c.Error(err)
			writeError(c, errInvalidBody.Wrap(err))
			return
		}
		mode, err := logtypes.ParseMode(req.Mode)
		if err != nil {
			writeError(c, errInvalidMode.Wrap(err))
			return
		}
		if len(req.Lines) > s.config.Bounds.MaxBatch {
			abortWithError(c, http.StatusRequestEntityTooLarge, errBatchTooLong.Code,
				fmt.Sprintf("batch has %d lines, limit is %d", len(req.Lines), s.config.Bounds.MaxBatch))
			return
		}

		result, err := s.service.Batch(c.Request.Context(), mode, req.Lines, strategy)
		if err != nil {
			_ = c.Error(err)
			writeError(c, err)
			return
		}

		c.JSON(http.StatusOK, batchResponse{
			Counts:     result.Counts,
			Total:      result.Total,
			Hashes:     result.Digests,
			Partial:    result.Partial,
			Incomplete: result.Incomplete,
		})
	}
}

// statusFor maps an error to its http status
func statusFor(err error) int {
	if errors.Is(err, dispatch.ErrBatchTimeout) {
		return http.StatusGatewayTimeout
	}
	return types.HTTPStatusCode(types.KindOf(err))
}

func writeError(c *gin.Context, err error) {
	msg := err.Error()
	if types.KindOf(err) == types.KindUnknown || types.KindOf(err) == types.KindSystemic {
		// internal detail stays in the log
		var e *types.Error
		if errors.As(err, &e) {
			msg = e.Msg
		} else {
			msg = "internal error"
		}
	}
	abortWithError(c, statusFor(err), types.CodeOf(err), msg)
}

func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg, Code: code})
}
