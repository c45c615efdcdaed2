package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/creative-design-platform/export-service/internal/render"
)

// PoolStater reports render pool usage
type PoolStater interface {
	Stats() render.PoolStats
}

type HealthHandler struct {
	pool     PoolStater
	services map[string]bool
}

// NewHealthHandler reports pool usage and which optional collaborators are
// configured.
func NewHealthHandler(pool PoolStater, services map[string]bool) *HealthHandler {
	return &HealthHandler{pool: pool, services: services}
}

// Health handles GET /health
// @Summary      Health check
// @Tags         Health
// @Produce      json
// @Success      200 {object} map[string]interface{}
// @Router       /health [get]
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	body := fiber.Map{
		"status":   "ok",
		"services": h.services,
	}
	if h.pool != nil {
		body["renderPool"] = h.pool.Stats()
	}
	return c.JSON(body)
}
