package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	xerrors "TreasuryMind-Chain/internal/errors"
	"TreasuryMind-Chain/internal/observability/metrics"
)

func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.APILatency.WithLabelValues(route, c.Request.Method).Observe(time.Since(start).Seconds())
		metrics.APIRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

type errorBody struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

func statusOf(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, xerrors.CodeConfiguration, xerrors.CodeShapeMismatch:
		return http.StatusBadRequest
	case xerrors.CodeNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, xerrors.CodeAgentSuspended:
		return http.StatusConflict
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	code := xerrors.CodeOf(err)
	var e *xerrors.Error
	message := err.Error()
	if errors.As(err, &e) {
		message = e.Message()
	}
	c.AbortWithStatusJSON(statusOf(code), errorBody{Code: code, Message: message})
}

func unavailable(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{
		Code:    xerrors.CodeInitializationFailure,
		Message: what + " 未启用",
	})
}

func badRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Code: xerrors.CodeInvalidArgument, Message: message})
}
