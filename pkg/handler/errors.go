package handler

import (
	"errors"
	"net/http"

	"github.com/choraleia/parley/pkg/billing"
	"github.com/choraleia/parley/pkg/llm"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/service"
	"github.com/choraleia/parley/pkg/utils"
	"github.com/gin-gonic/gin"
)

// writeError maps service errors to HTTP responses.
func writeError(c *gin.Context, err error) {
	var rejected *service.BillingRejectedError
	switch {
	case errors.As(err, &rejected):
		c.JSON(http.StatusPaymentRequired, models.BillingRejection{
			Error:   "billing check failed",
			Reason:  rejected.Reason,
			Billing: rejected.State,
		})
	case errors.Is(err, service.ErrInvalidRequest),
		errors.Is(err, service.ErrNoMessages),
		errors.Is(err, service.ErrInvalidModelRequest),
		errors.Is(err, service.ErrModelNotConfigured),
		errors.Is(err, billing.ErrInvalidAmount),
		errors.Is(err, llm.ErrImageUnsupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConversationNotFound),
		errors.Is(err, service.ErrModelNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		utils.GetLogger().Error("Request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
