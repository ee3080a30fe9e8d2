package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/metrics"
)

// NewApp собирает fiber-приложение с middleware и всеми маршрутами.
func NewApp(cfg config.ServerConfig, h *Handler, m *metrics.Metrics, log *zap.Logger) *fiber.App {
	log = logging.OrNop(log)
	app := fiber.New(fiber.Config{
		AppName:               "ragchat",
		BodyLimit:             cfg.BodyLimitMB * 1024 * 1024,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		ErrorHandler:          errorHandler(log),
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{AllowOrigins: cfg.CORSOrigins}))
	app.Use(accessLog(log, m))

	if m != nil {
		app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	}
	RegisterRoutes(app, h)
	return app
}

func RegisterRoutes(app *fiber.App, h *Handler) {
	app.Get("/", h.Root)
	app.Get("/health", h.Health)

	v1 := app.Group("/api/v1")
	v1.Post("/query/stream", h.QueryStream)
	v1.Post("/query", h.Query)

	v1.Post("/chat/new", h.NewChat)
	v1.Get("/chat/list", h.ListChats)
	v1.Get("/chat/:id", h.GetChat)
	v1.Delete("/chat/:id", h.DeleteChat)
	v1.Put("/chat/:id/turns/:index", h.UpdateTurn)
	v1.Post("/chat/:id/turns/:index/select", h.SelectVersion)

	v1.Post("/documents/upload", h.UploadDocument)
	v1.Get("/documents/list", h.ListDocuments)
	v1.Post("/documents/sync", h.SyncDocuments)
	v1.Delete("/documents/:id", h.DeleteDocument)

	v1.Get("/models", h.ListModels)
	v1.Get("/models/status", h.ModelStatus)
	v1.Post("/models/pull", h.PullModel)
	v1.Delete("/models/*", h.DeleteModel)
}
