package handler

import (
	"net/http"

	"github.com/choraleia/parley/pkg/billing"
	"github.com/choraleia/parley/pkg/models"
	"github.com/gin-gonic/gin"
)

// BillingHandler exposes the caller's credit state.
type BillingHandler struct {
	gate *billing.Gate
}

func NewBillingHandler(gate *billing.Gate) *BillingHandler {
	return &BillingHandler{gate: gate}
}

// RegisterRoutes registers billing routes
func (h *BillingHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/billing", h.State)
	r.POST("/billing/topup", h.TopUp)
}

// State returns the billing snapshot
// GET /api/billing
func (h *BillingHandler) State(c *gin.Context) {
	state, err := h.gate.State(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// TopUp adds credits
// POST /api/billing/topup
func (h *BillingHandler) TopUp(c *gin.Context) {
	var req models.TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	state, err := h.gate.TopUp(c.Request.Context(), userID(c), req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}
