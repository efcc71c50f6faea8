package tutor

import (
	"context"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"tutorgraph/app/client/grammar"
	"tutorgraph/app/client/llm"
	"tutorgraph/app/client/search"
	"tutorgraph/app/config"
	"tutorgraph/app/failure"
	"tutorgraph/app/graph"
	"tutorgraph/app/service/checkpoint"
	"tutorgraph/app/service/db"
	"tutorgraph/app/service/memory"
	"tutorgraph/app/util/mylog"

	"github.com/google/uuid"
	"github.com/samber/do"
)

const maxMessageLength = 2000

var (
	ErrEmptyMessage    = failure.Newf(failure.KindInvalidInput, "submit_turn", "message is empty")
	ErrMessageTooLong  = failure.Newf(failure.KindInvalidInput, "submit_turn", "message is longer than %d characters", maxMessageLength)
	ErrThreadOwnership = failure.Newf(failure.KindForbidden, "submit_turn", "thread belongs to another user")
	ErrUnknownThread   = failure.Newf(failure.KindNotFound, "thread", "thread not found")
)

// Model is the language model used for replies and verification.
type Model interface {
	Completer
	StructuredModel
}

type Deps struct {
	Checker  GrammarChecker
	Model    Model
	Searcher Searcher
	Memory   Memory
	Store    graph.Checkpointer[State]
}

type Options struct {
	Policy         Policy
	AutoAccept     grammar.Tier
	Retry          graph.RetryPolicy
	MaxSteps       int
	Timeouts       config.Timeouts
	EvidenceWindow int
	Now            func() time.Time
	NewID          func() string
}

// Reply is the outcome of one turn.
type Reply struct {
	ThreadID     string      `json:"thread_id"`
	TurnID       string      `json:"turn_id"`
	Text         string      `json:"text"`
	Correction   *Correction `json:"correction,omitempty"`
	Research     *Research   `json:"research,omitempty"`
	MemoryMissed bool        `json:"memory_missed"`
	Resumed      bool        `json:"resumed"`
}

// Service runs conversation turns through the tutor graph.
type Service struct {
	exec  *graph.Executor[State, Update]
	now   func() time.Time
	newID func() string
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)
	model := do.MustInvoke[*llm.Client](di)

	return NewService(Deps{
		Checker:  do.MustInvoke[*grammar.Client](di),
		Model:    model,
		Searcher: do.MustInvoke[*search.Service](di),
		Memory:   do.MustInvoke[*memory.Service](di),
		Store:    checkpoint.New[State](do.MustInvoke[*db.Service](di)),
	}, Options{
		Policy:     Policy{FanOut: cfg.Graph.FanOut},
		AutoAccept: grammar.ParseTier(cfg.Graph.AutoAcceptTier),
		Retry: graph.RetryPolicy{
			MaxAttempts: cfg.Graph.MaxAttempts,
			Initial:     cfg.Graph.BackoffInitial,
			Max:         cfg.Graph.BackoffMax,
			Multiplier:  2,
		},
		MaxSteps:       cfg.Graph.MaxSteps,
		Timeouts:       cfg.Timeouts,
		EvidenceWindow: cfg.Memory.EvidenceWindow,
	})
}

func NewService(deps Deps, opts Options) (*Service, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.EvidenceWindow < 1 {
		opts.EvidenceWindow = 6
	}
	if opts.AutoAccept == "" {
		opts.AutoAccept = grammar.TierHigh
	}

	responder, err := newResponder(responderDeps{
		completer:      deps.Model,
		memory:         deps.Memory,
		retry:          opts.Retry,
		llmTimeout:     opts.Timeouts.LLM,
		evidenceWindow: opts.EvidenceWindow,
		now:            opts.Now,
		newID:          opts.NewID,
	})
	if err != nil {
		return nil, err
	}

	g, err := graph.NewBuilder("tutor", Reduce).
		AddNode(NodeSupervisor, graph.NodeFunc[State, Update](supervise)).
		AddNode(NodeCorrection, &correctionNode{
			checker:      deps.Checker,
			verifier:     deps.Model,
			autoAccept:   opts.AutoAccept,
			checkTimeout: opts.Timeouts.Grammar,
			llmTimeout:   opts.Timeouts.LLM,
		}).
		AddNode(NodeResearcher, &researcherNode{
			searcher: deps.Searcher,
			timeout:  opts.Timeouts.Search,
		}).
		SetFallback(NodeResearcher, degradeResearch).
		// retries happen inside the nested graph
		AddNode(NodeResponder, responder, graph.NoRetry()).
		AddConditionalEdges(NodeSupervisor, opts.Policy.Decide).
		AddEdge(NodeCorrection, NodeSupervisor).
		AddEdge(NodeResearcher, NodeSupervisor).
		AddEdge(NodeResponder, NodeSupervisor).
		SetEntry(NodeSupervisor).
		OnRoute(func(d graph.Decision) Update {
			return Update{Route: d.Route()}
		}).
		Compile()
	if err != nil {
		return nil, err
	}

	return &Service{
		exec: graph.NewExecutor(g, deps.Store, graph.Options{
			Retry:    opts.Retry,
			MaxSteps: opts.MaxSteps,
			Now:      opts.Now,
		}),
		now:   opts.Now,
		newID: opts.NewID,
	}, nil
}

// supervise only routes.
func supervise(context.Context, State) (Update, error) {
	return Update{}, nil
}

// SubmitTurn runs one user message through the graph and returns the reply.
// A retried message whose turn did not finish resumes that turn.
func (s *Service) SubmitTurn(ctx context.Context, threadID, userID, message string) (Reply, error) {
	message = strings.TrimSpace(message)

	switch {
	case strings.TrimSpace(threadID) == "" || strings.TrimSpace(userID) == "":
		return Reply{}, failure.Newf(failure.KindInvalidInput, "submit_turn", "thread and user are required")
	case message == "":
		return Reply{}, ErrEmptyMessage
	case utf8.RuneCountInString(message) > maxMessageLength:
		return Reply{}, ErrMessageTooLong
	}

	ctx = mylog.With(ctx, "user_id", userID)

	res, err := s.exec.Run(ctx, threadID, func(latest graph.Checkpoint[State]) (Update, bool, error) {
		prev := latest.State

		if prev.UserID != "" && prev.UserID != userID {
			return Update{}, false, ErrThreadOwnership
		}

		if latest.Pending() {
			if msg := prev.LastUserMessage(); msg != nil && msg.Text == message {
				return Update{}, true, nil
			}

			mylog.FromContext(ctx).Warn("Abandoning unfinished turn",
				"turn_id", prev.TurnID,
				"step", latest.Step,
			)
		}

		return s.beginTurn(prev, threadID, userID, message), false, nil
	})
	if err != nil {
		return Reply{}, err
	}

	return replyOf(res), nil
}

// Resume finishes the pending turn of a thread.
func (s *Service) Resume(ctx context.Context, threadID string) (Reply, error) {
	res, err := s.exec.Resume(ctx, threadID)
	if err != nil {
		return Reply{}, err
	}

	return replyOf(res), nil
}

// Conversation returns the latest committed state of a thread.
func (s *Service) Conversation(ctx context.Context, threadID string) (State, error) {
	latest, err := s.exec.Load(ctx, threadID)
	if err != nil {
		return State{}, err
	}
	if latest.Status == graph.StatusInit {
		return State{}, ErrUnknownThread
	}

	return latest.State, nil
}

// Checkpoints returns the checkpoints of a thread, newest first.
func (s *Service) Checkpoints(ctx context.Context, threadID string, limit int) ([]graph.Checkpoint[State], error) {
	history, err := s.exec.History(ctx, threadID, limit)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, ErrUnknownThread
	}

	return history, nil
}

func (s *Service) beginTurn(prev State, threadID, userID, message string) Update {
	turnID := s.newID()
	signals := signalsFor(prev.Messages, message)

	return Update{
		ThreadID:  threadID,
		UserID:    userID,
		TurnID:    turnID,
		TurnCount: 1,
		Messages: []Message{{
			ID:        s.newID(),
			TurnID:    turnID,
			Role:      RoleUser,
			Text:      message,
			Timestamp: s.now(),
		}},
		Signals: &signals,
	}
}

func replyOf(res graph.Result[State]) Reply {
	state := res.State

	reply := Reply{
		ThreadID:     res.ThreadID,
		TurnID:       state.TurnID,
		Correction:   state.TurnCorrection(),
		Research:     state.TurnResearch(),
		MemoryMissed: slices.Contains(state.MemoryBacklog, state.TurnID),
		Resumed:      res.Resumed,
	}
	if msg := state.Reply(); msg != nil {
		reply.Text = msg.Text
	}

	return reply
}
