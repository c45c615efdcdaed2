package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/creative-design-platform/export-service/internal/middleware"
)

// AuthHandler answers the gateway's ForwardAuth calls
type AuthHandler struct {
	auth *middleware.AuthMiddleware
}

func NewAuthHandler(auth *middleware.AuthMiddleware) *AuthHandler {
	return &AuthHandler{auth: auth}
}

// Verify handles GET /auth/verify. It returns 200 with X-User-* headers for a
// valid bearer token and 401 otherwise.
func (h *AuthHandler) Verify(c *fiber.Ctx) error {
	token, ok := middleware.BearerToken(c.Get("Authorization"))
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	id, ok := h.auth.Verify(token)
	if !ok {
		return c.SendStatus(fiber.StatusUnauthorized)
	}
	c.Set("X-User-Id", id.UserID)
	c.Set("X-User-Email", id.Email)
	if id.Name != "" {
		c.Set("X-User-Name", id.Name)
	}
	return c.SendStatus(fiber.StatusOK)
}
