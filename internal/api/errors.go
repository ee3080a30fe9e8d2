package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/document"
	"github.com/katakuxiko/ragchat/internal/metrics"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/service"
)

// statusFor сопоставляет доменные ошибки HTTP-статусам.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, model.ErrSessionNotFound), errors.Is(err, model.ErrDocumentNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, model.ErrInvalidRequest),
		errors.Is(err, model.ErrTurnIndexOutOfRange),
		errors.Is(err, model.ErrInvalidTemplate),
		errors.Is(err, model.ErrVersionMismatch),
		errors.Is(err, document.ErrUnsupportedType),
		errors.Is(err, service.ErrEmptyDocument):
		return fiber.StatusBadRequest
	case errors.Is(err, model.ErrConflictingOperation):
		return fiber.StatusConflict
	case errors.Is(err, model.ErrRetrievalUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, model.ErrGenerationFailed):
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := statusFor(err)
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.Path()), zap.Int("status", code), zap.Error(err))
		}
		return c.Status(code).JSON(fiber.Map{"error": err.Error()})
	}
}

// accessLog пишет строку лога и метрику на каждый запрос.
func accessLog(log *zap.Logger, m *metrics.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			status = statusFor(err)
		}
		route := c.Route().Path
		m.HTTPRequest(c.Method(), route, status)
		log.Info("http",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
		return err
	}
}
