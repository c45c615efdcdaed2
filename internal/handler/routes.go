package handler

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	ws "github.com/creative-design-platform/export-service/internal/websocket"
)

// Routes groups everything the HTTP surface needs. The server and the
// end-to-end tests register the same routes through it.
type Routes struct {
	Exports *ExportHandler
	Health  *HealthHandler
	Auth    *AuthHandler
	Hub     *ws.Hub

	// APIAuth guards /api; SubmitLimit guards the two submit routes
	APIAuth     fiber.Handler
	SubmitLimit fiber.Handler
}

func (r Routes) Register(app *fiber.App) {
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	if r.Health != nil {
		app.Get("/health", r.Health.Health)
	}

	// ForwardAuth verification endpoint (internal, called by Traefik)
	if r.Auth != nil {
		app.Get("/auth/verify", r.Auth.Verify)
	}

	api := app.Group("/api", passThrough(r.APIAuth))
	submitLimit := passThrough(r.SubmitLimit)

	exports := api.Group("/exports")
	exports.Post("/", submitLimit, r.Exports.Submit)
	exports.Post("/batch", submitLimit, r.Exports.SubmitBatch)
	exports.Get("/batches/:batchId", r.Exports.GetBatch)
	exports.Get("/:jobId", r.Exports.Get)
	exports.Post("/:jobId/cancel", r.Exports.Cancel)
	exports.Post("/:jobId/retry", r.Exports.Retry)

	if r.Hub == nil {
		return
	}
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/jobs/:jobId", websocket.New(func(c *websocket.Conn) {
		jobID := c.Params("jobId")
		r.Hub.HandleConnection(c, jobID)
	}))
}

func passThrough(h fiber.Handler) fiber.Handler {
	if h != nil {
		return h
	}
	return func(c *fiber.Ctx) error { return c.Next() }
}
