package api

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tutorgraph/app/config"
	"tutorgraph/app/failure"
	"tutorgraph/app/graph"
	"tutorgraph/app/service/memory"
	"tutorgraph/app/service/profile"
	"tutorgraph/app/service/tutor"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/samber/do"
)

var _ do.Shutdownable = (*Server)(nil)

type Turns interface {
	SubmitTurn(ctx context.Context, threadID, userID, message string) (tutor.Reply, error)
	Resume(ctx context.Context, threadID string) (tutor.Reply, error)
	Conversation(ctx context.Context, threadID string) (tutor.State, error)
	Checkpoints(ctx context.Context, threadID string, limit int) ([]graph.Checkpoint[tutor.State], error)
}

type Profiles interface {
	Profile(ctx context.Context, userID string) (*profile.Profile, error)
	GrammarHistory(ctx context.Context, userID string, offset, limit int) ([]profile.GrammarEntry, int, error)
}

// Server is the HTTP surface of the tutor.
type Server struct {
	app      *fiber.App
	listen   string
	turns    Turns
	profiles Profiles
	validate *validator.Validate
}

func New(di *do.Injector) (*Server, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewServer(
		do.MustInvoke[*tutor.Service](di),
		do.MustInvoke[*memory.Service](di),
		cfg.HTTP.Listen,
	), nil
}

func NewServer(turns Turns, profiles Profiles, listen string) *Server {
	s := &Server{
		listen:   listen,
		turns:    turns,
		profiles: profiles,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "tutorgraph",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		ErrorHandler:          errorHandler,
	})

	s.app.Use(recover.New())

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	v1 := s.app.Group("/v1")
	v1.Post("/threads/:thread/turns", s.submitTurn)
	v1.Post("/threads/:thread/resume", s.resume)
	v1.Get("/threads/:thread", s.conversation)
	v1.Get("/threads/:thread/checkpoints", s.checkpoints)
	v1.Get("/users/:user/profile", s.profile)
	v1.Get("/users/:user/grammar", s.grammar)

	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		if err := s.app.ShutdownWithTimeout(10 * time.Second); err != nil {
			slog.Error("HTTP shutdown failed", slog.Any("error", err))
		}
	}()

	slog.Info("HTTP server listening", slog.String("addr", s.listen))

	return s.app.Listen(s.listen)
}

func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := statusOf(err)

	kind := string(failure.KindOf(err))
	if kind == "" {
		kind = "internal"
	}

	if code >= fiber.StatusInternalServerError {
		slog.Error("Request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.Int("status", code),
			slog.Any("error", err),
		)
	}

	return c.Status(code).JSON(fiber.Map{"error": errorBody{Kind: kind, Message: err.Error()}})
}

func statusOf(err error) int {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return fiberErr.Code
	}

	switch failure.KindOf(err) {
	case failure.KindInvalidInput:
		return fiber.StatusBadRequest
	case failure.KindForbidden:
		return fiber.StatusForbidden
	case failure.KindNotFound, failure.KindNoResults:
		return fiber.StatusNotFound
	case failure.KindStaleCheckpoint:
		return fiber.StatusConflict
	case failure.KindSchemaViolation:
		return fiber.StatusUnprocessableEntity
	case failure.KindUnavailable:
		return fiber.StatusServiceUnavailable
	case failure.KindTimeout:
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}
