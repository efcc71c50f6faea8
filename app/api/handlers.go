package api

import (
	"time"

	"tutorgraph/app/failure"
	"tutorgraph/app/graph"
	"tutorgraph/app/service/profile"
	"tutorgraph/app/service/tutor"

	"github.com/elliotchance/pie/v2"
	"github.com/gofiber/fiber/v2"
)

type turnRequest struct {
	UserID  string `json:"user_id" validate:"required,max=128"`
	Message string `json:"message" validate:"required,max=2000"`
}

type checkpointView struct {
	Step      int64          `json:"step"`
	Status    graph.Status   `json:"status"`
	TurnID    string         `json:"turn_id"`
	Ran       []graph.NodeID `json:"ran"`
	Next      []graph.NodeID `json:"next"`
	Messages  int            `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
}

type grammarPage struct {
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Entries []profile.GrammarEntry `json:"entries"`
}

func (s *Server) submitTurn(c *fiber.Ctx) error {
	var req turnRequest
	if err := c.BodyParser(&req); err != nil {
		return failure.New(failure.KindInvalidInput, "api.turn", err)
	}
	if err := s.validate.Struct(req); err != nil {
		return failure.New(failure.KindInvalidInput, "api.turn", err)
	}

	reply, err := s.turns.SubmitTurn(c.UserContext(), c.Params("thread"), req.UserID, req.Message)
	if err != nil {
		return err
	}

	return c.JSON(reply)
}

func (s *Server) resume(c *fiber.Ctx) error {
	reply, err := s.turns.Resume(c.UserContext(), c.Params("thread"))
	if err != nil {
		return err
	}

	return c.JSON(reply)
}

func (s *Server) conversation(c *fiber.Ctx) error {
	state, err := s.turns.Conversation(c.UserContext(), c.Params("thread"))
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"thread_id":  state.ThreadID,
		"user_id":    state.UserID,
		"turn_count": state.TurnCount,
		"messages":   state.Messages,
	})
}

func (s *Server) checkpoints(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 {
		return failure.Newf(failure.KindInvalidInput, "api.checkpoints", "limit must be positive")
	}

	history, err := s.turns.Checkpoints(c.UserContext(), c.Params("thread"), limit)
	if err != nil {
		return err
	}

	return c.JSON(pie.Map(history, func(cp graph.Checkpoint[tutor.State]) checkpointView {
		return checkpointView{
			Step:      cp.Step,
			Status:    cp.Status,
			TurnID:    cp.State.TurnID,
			Ran:       cp.Ran,
			Next:      cp.Next,
			Messages:  len(cp.State.Messages),
			CreatedAt: cp.CreatedAt,
		}
	}))
}

func (s *Server) profile(c *fiber.Ctx) error {
	p, err := s.profiles.Profile(c.UserContext(), c.Params("user"))
	if err != nil {
		return err
	}

	return c.JSON(p)
}

func (s *Server) grammar(c *fiber.Ctx) error {
	offset := c.QueryInt("offset", 0)
	limit := c.QueryInt("limit", 50)
	if offset < 0 || limit < 1 || limit > 500 {
		return failure.Newf(failure.KindInvalidInput, "api.grammar", "invalid page offset=%d limit=%d", offset, limit)
	}

	entries, total, err := s.profiles.GrammarHistory(c.UserContext(), c.Params("user"), offset, limit)
	if err != nil {
		return err
	}

	return c.JSON(grammarPage{Total: total, Offset: offset, Entries: entries})
}
