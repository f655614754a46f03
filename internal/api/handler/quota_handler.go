package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetQuota handles GET /api/v1/quota
func (h *QuotaHandler) GetQuota(c *gin.Context) {
	info, err := h.quota.Info(c.Request.Context(), callerID(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	ok(c, http.StatusOK, info)
}
