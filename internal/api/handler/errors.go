package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediaconv/internal/api/dto"
	"github.com/cuongbtq/mediaconv/internal/jobs/domain"
)

// StatusFor maps an error's kind to its HTTP status code
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindAccessDenied:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case domain.KindTransport:
		return http.StatusServiceUnavailable
	case domain.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders err in the error envelope. Internal details are logged, not returned.
func writeError(c *gin.Context, logger *slog.Logger, err error) {
	kind := domain.KindOf(err)
	status := StatusFor(kind)

	resp := dto.ErrorResponse{
		Success: false,
		Error:   err.Error(),
		Kind:    string(kind),
	}

	var de *domain.Error
	if errors.As(err, &de) {
		resp.Error = de.Message
		resp.Fields = de.Fields
	}

	var qe *domain.QuotaError
	if errors.As(err, &qe) {
		resp.Error = qe.Error()
		resp.Quota = &dto.QuotaDetails{
			Remaining: qe.Remaining,
			Needed:    qe.Needed,
			Limit:     qe.Limit,
			Used:      qe.Used,
		}
	}

	if status >= http.StatusInternalServerError {
		logger.Error("Request failed",
			slog.String("path", c.Request.URL.Path),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
		if kind == domain.KindInternal {
			resp.Error = "Internal server error"
		}
	}

	_ = c.Error(err)
	c.AbortWithStatusJSON(status, resp)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, dto.ErrorResponse{
		Success: false,
		Error:   msg,
		Kind:    string(domain.KindValidation),
	})
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, dto.Response{Success: true, Data: data})
}
