package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/katakuxiko/ragchat/internal/config"
	"github.com/katakuxiko/ragchat/internal/llm"
	"github.com/katakuxiko/ragchat/internal/logging"
	"github.com/katakuxiko/ragchat/internal/model"
	"github.com/katakuxiko/ragchat/internal/service"
)

// Handler хранит зависимости для обработчиков
type Handler struct {
	streamer *service.Streamer
	rag      *service.RAGService
	sessions *service.Sessions
	ingestor *service.Ingestor
	models   llm.ModelLister
	provider string
	defaults config.QueryConfig
	log      *zap.Logger
}

type Deps struct {
	Streamer *service.Streamer
	Sessions *service.Sessions
	Ingestor *service.Ingestor
	Models   llm.ModelLister
	// Provider — имя провайдера генератора для /models/status.
	Provider string
	Defaults config.QueryConfig
	Logger   *zap.Logger
}

// NewHandler конструктор
func NewHandler(d Deps) *Handler {
	return &Handler{
		streamer: d.Streamer,
		rag:      service.NewRAGService(d.Streamer),
		sessions: d.Sessions,
		ingestor: d.Ingestor,
		models:   d.Models,
		provider: d.Provider,
		defaults: d.Defaults,
		log:      logging.OrNop(d.Logger),
	}
}

// Root — краткое описание сервиса
func (h *Handler) Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    "ragchat",
		"status":  "running",
		"version": "v1",
	})
}

// Health — простая проверка
func (h *Handler) Health(c *fiber.Ctx) error {
	return c.SendString("ok")
}

// ListModels — модели, доступные генератору
func (h *Handler) ListModels(c *fiber.Ctx) error {
	if h.models == nil {
		return c.JSON(fiber.Map{"models": []llm.ModelInfo{}})
	}
	models, err := h.models.ListModels(c.UserContext())
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, err.Error())
	}
	if models == nil {
		models = []llm.ModelInfo{}
	}
	return c.JSON(fiber.Map{"models": models})
}

// decodeQuery накладывает тело запроса на значения по умолчанию.
func (h *Handler) decodeQuery(c *fiber.Ctx) (model.QueryRequest, error) {
	req := h.defaults.Defaults()
	if err := c.BodyParser(&req); err != nil {
		return req, fmt.Errorf("%w: expected JSON body: %v", model.ErrInvalidRequest, err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// Query — RAG без стриминга: поиск + LLM, ответ целиком
func (h *Handler) Query(c *fiber.Ctx) error {
	req, err := h.decodeQuery(c)
	if err != nil {
		return err
	}
	ans, err := h.rag.Ask(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(ans)
}

// QueryStream — тот же запрос, но события уходят клиенту через SSE по мере готовности.
func (h *Handler) QueryStream(c *fiber.Ctx) error {
	req, err := h.decodeQuery(c)
	if err != nil {
		return err
	}

	// поток переживает обработчик, поэтому контекст не берём из запроса
	ctx, cancel := context.WithCancel(context.Background())
	events := h.streamer.Stream(ctx, req)

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		for ev := range events {
			if err := writeEvent(w, ev); err != nil {
				h.log.Info("client disconnected", zap.String("chat_id", req.ChatID), zap.Error(err))
				cancel()
				for range events {
				}
				return
			}
		}
	})
	return nil
}

func writeEvent(w *bufio.Writer, ev model.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	return w.Flush()
}

// UploadDocument — загрузка файла, извлечение текста, разбиение, embeddings, сохранение
func (h *Handler) UploadDocument(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: file is required (form field: file)", model.ErrInvalidRequest)
	}
	f, err := file.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	res, err := h.ingestor.Ingest(c.UserContext(), file.Filename, data)
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *Handler) ListDocuments(c *fiber.Ctx) error {
	docs, err := h.ingestor.List(c.UserContext())
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []model.DocumentInfo{}
	}
	return c.JSON(fiber.Map{"documents": docs, "total": len(docs)})
}

// SyncDocuments догружает файлы, лежащие в каталоге загрузок.
func (h *Handler) SyncDocuments(c *fiber.Ctx) error {
	res, err := h.ingestor.Sync(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(res)
}

func (h *Handler) DeleteDocument(c *fiber.Ctx) error {
	if err := h.ingestor.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}
