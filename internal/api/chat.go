package api

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/katakuxiko/ragchat/internal/model"
)

func (h *Handler) NewChat(c *fiber.Ctx) error {
	id, err := h.sessions.Create(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"session_id": id})
}

func (h *Handler) ListChats(c *fiber.Ctx) error {
	list, err := h.sessions.List(c.UserContext())
	if err != nil {
		return err
	}
	if list == nil {
		list = []model.SessionSummary{}
	}
	return c.JSON(fiber.Map{"sessions": list})
}

func (h *Handler) GetChat(c *fiber.Ctx) error {
	sess, err := h.sessions.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	turns := sess.Turns
	if turns == nil {
		turns = []model.Turn{}
	}
	return c.JSON(fiber.Map{
		"session_id": sess.ID,
		"created_at": sess.CreatedAt,
		"updated_at": sess.UpdatedAt,
		"history":    turns,
	})
}

func (h *Handler) DeleteChat(c *fiber.Ctx) error {
	if err := h.sessions.Delete(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

// turnUpdateRequest — версии хода в виде параллельных массивов.
type turnUpdateRequest struct {
	Versions           []string             `json:"versions"`
	VersionsChunks     [][]model.PassageHit `json:"versions_chunks"`
	MessagesPerVersion [][]model.Turn       `json:"messages_per_version"`
	CurrentVersion     *int                 `json:"current_version"`
}

func turnIndex(c *fiber.Ctx) (int, error) {
	idx, err := c.ParamsInt("index")
	if err != nil {
		return 0, fmt.Errorf("%w: turn index must be an integer", model.ErrInvalidRequest)
	}
	return idx, nil
}

// UpdateTurn заменяет версии хода целиком.
func (h *Handler) UpdateTurn(c *fiber.Ctx) error {
	idx, err := turnIndex(c)
	if err != nil {
		return err
	}
	var body turnUpdateRequest
	if err := c.BodyParser(&body); err != nil {
		return fmt.Errorf("%w: expected JSON body: %v", model.ErrInvalidRequest, err)
	}
	v, err := model.NewTurnVersions(body.Versions, body.VersionsChunks, body.MessagesPerVersion, body.CurrentVersion)
	if err != nil {
		return err
	}
	if err := h.sessions.UpdateTurn(c.UserContext(), c.Params("id"), idx, *v); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"success": true})
}

// SelectVersion переключает ход на другую версию ответа.
func (h *Handler) SelectVersion(c *fiber.Ctx) error {
	idx, err := turnIndex(c)
	if err != nil {
		return err
	}
	var body struct {
		Version *int `json:"version"`
	}
	if err := c.BodyParser(&body); err != nil || body.Version == nil {
		return fmt.Errorf("%w: expected JSON body {\"version\": n}", model.ErrInvalidRequest)
	}
	id := c.Params("id")
	if err := h.sessions.SelectVersion(c.UserContext(), id, idx, *body.Version); err != nil {
		return err
	}
	sess, err := h.sessions.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"session_id": sess.ID, "history": sess.Turns})
}
