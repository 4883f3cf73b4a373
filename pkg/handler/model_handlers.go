package handler

import (
	"net/http"

	"github.com/choraleia/parley/pkg/db"
	"github.com/choraleia/parley/pkg/models"
	"github.com/choraleia/parley/pkg/service"
	"github.com/choraleia/parley/pkg/tools"
	"github.com/gin-gonic/gin"
)

// ModelHandler manages the models a user can chat with.
type ModelHandler struct {
	models   *service.ModelService
	registry *tools.Registry
}

func NewModelHandler(modelService *service.ModelService, registry *tools.Registry) *ModelHandler {
	return &ModelHandler{models: modelService, registry: registry}
}

// RegisterRoutes registers model and tool routes
func (h *ModelHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/models", h.List)
	r.POST("/models", h.Create)
	r.DELETE("/models/:id", h.Delete)
	r.POST("/models/:id/test", h.Test)
	r.POST("/models/:id/images", h.GenerateImage)

	r.GET("/tools", h.Tools)
}

type imageRequest struct {
	Prompt string `json:"prompt" binding:"required"`
	Size   string `json:"size"`
}

type createModelRequest struct {
	Provider  string `json:"provider" binding:"required"`
	Model     string `json:"model" binding:"required"`
	Name      string `json:"name"`
	BaseURL   string `json:"base_url"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`
	Disabled  bool   `json:"disabled"`
}

// List returns the caller's models and presets with masked credentials
// GET /api/models
func (h *ModelHandler) List(c *gin.Context) {
	list, err := h.models.ListModels(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]models.ModelView, len(list))
	for i := range list {
		views[i] = models.NewModelView(&list[i])
	}
	c.JSON(http.StatusOK, gin.H{"models": views})
}

// Create stores a user model
// POST /api/models
func (h *ModelHandler) Create(c *gin.Context) {
	var req createModelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m := &db.ModelConfig{
		UserID:    userID(c),
		Provider:  req.Provider,
		Model:     req.Model,
		Name:      req.Name,
		BaseURL:   req.BaseURL,
		APIKey:    req.APIKey,
		MaxTokens: req.MaxTokens,
		Enabled:   !req.Disabled,
		Active:    true,
	}
	if err := h.models.CreateModel(c.Request.Context(), m); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.NewModelView(m))
}

// Delete removes a user model
// DELETE /api/models/:id
func (h *ModelHandler) Delete(c *gin.Context) {
	if err := h.models.DeleteModel(c.Request.Context(), c.Param("id"), userID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Model deleted successfully"})
}

// Test sends a probe prompt through the model's provider
// POST /api/models/:id/test
func (h *ModelHandler) Test(c *gin.Context) {
	m, err := h.models.GetModel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.models.TestConnection(c.Request.Context(), m); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GenerateImage renders a prompt with the model's provider
// POST /api/models/:id/images
func (h *ModelHandler) GenerateImage(c *gin.Context) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.models.GetModel(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	img, err := h.models.GenerateImage(c.Request.Context(), m, req.Prompt, req.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, img)
}

// Tools lists the built-in tool definitions
// GET /api/tools
func (h *ModelHandler) Tools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.registry.ListToolDefinitions()})
}
