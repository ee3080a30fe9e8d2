package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/model"
)

// ModelStatus — есть ли связь с генератором и какие модели на нём.
func (h *Handler) ModelStatus(c *fiber.Ctx) error {
	return c.JSON(llm.Status(c.UserContext(), h.provider, h.models))
}

type pullRequest struct {
	Name string `json:"name"`
}

// PullModel скачивает модель и стримит прогресс строками NDJSON.
func (h *Handler) PullModel(c *fiber.Ctx) error {
	mm, ok := h.models.(llm.ModelManager)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "Model pulling is only available with Ollama provider")
	}
	var req pullRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: expected JSON body: %v", model.ErrInvalidRequest, err)
	}
	if req.Name == "" {
		return fmt.Errorf("%w: model name is required", model.ErrInvalidRequest)
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		log := h.log.With(zap.String("model", req.Name))

		err := mm.PullModel(ctx, req.Name, func(p llm.PullProgress) error {
			return writeLine(w, p)
		})
		if err != nil {
			log.Warn("model pull failed", zap.Error(err))
			_ = writeLine(w, fiber.Map{"error": err.Error()})
			return
		}
		log.Info("model pulled")
	})
	return nil
}

func writeLine(w *bufio.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := w.Write(b); err != nil {
		return err
	}
	return w.Flush()
}

// DeleteModel удаляет модель. Имя может содержать '/' и ':'.
func (h *Handler) DeleteModel(c *fiber.Ctx) error {
	mm, ok := h.models.(llm.ModelManager)
	if !ok {
		return fiber.NewError(fiber.StatusBadRequest, "Model deletion is only available with Ollama provider")
	}
	name, err := url.PathUnescape(c.Params("*"))
	if err != nil || name == "" {
		return fmt.Errorf("%w: model name is required", model.ErrInvalidRequest)
	}
	if err := mm.DeleteModel(c.UserContext(), name); err != nil {
		if errors.Is(err, llm.ErrModelNotFound) {
			return fiber.NewError(fiber.StatusNotFound, err.Error())
		}
		return fiber.NewError(fiber.StatusServiceUnavailable, err.Error())
	}
	h.log.Info("model deleted", zap.String("model", name))
	return c.JSON(fiber.Map{"success": true, "message": fmt.Sprintf("Model %s deleted", name)})
}
