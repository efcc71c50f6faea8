package tutor

import (
	"context"
	"slices"
	"strings"
	"time"

	"tutorgraph/app/client/llm"
	"tutorgraph/app/failure"
	"tutorgraph/app/graph"
	"tutorgraph/app/service/memory"
	"tutorgraph/app/service/profile"
	"tutorgraph/app/util/mylog"

	_ "embed"

	"github.com/elliotchance/pie/v2"
)

//go:embed respond_prompt.txt
var respondPromptTemplate string

const (
	nodeRecall   graph.NodeID = "recall"
	nodeCompose  graph.NodeID = "compose"
	nodeRemember graph.NodeID = "remember"

	recentMistakes = 5
)

type Completer interface {
	Complete(ctx context.Context, p llm.Prompt) (string, error)
}

type Memory interface {
	Recall(ctx context.Context, userID string, recent int) (*profile.Profile, []profile.GrammarEntry, error)
	Upsert(ctx context.Context, req memory.Request) (memory.Outcome, error)
}

// responderState is the state of the nested reply workflow. Turn is the
// outer state as it was when the responder started.
type responderState struct {
	Turn     State
	Profile  *profile.Profile
	Mistakes []profile.GrammarEntry
	Reply    string
	Memory   *memory.Outcome
}

type responderUpdate struct {
	Profile  *profile.Profile
	Mistakes []profile.GrammarEntry
	Reply    string
	Memory   *memory.Outcome
}

func reduceResponder(s responderState, u responderUpdate) responderState {
	return responderState{
		Turn:     s.Turn,
		Profile:  graph.Replace(s.Profile, u.Profile),
		Mistakes: graph.Overwrite(s.Mistakes, u.Mistakes),
		Reply:    graph.KeepNonEmpty(s.Reply, u.Reply),
		Memory:   graph.Replace(s.Memory, u.Memory),
	}
}

type responderDeps struct {
	completer      Completer
	memory         Memory
	retry          graph.RetryPolicy
	llmTimeout     time.Duration
	evidenceWindow int
	now            func() time.Time
	newID          func() string
}

// responderNode writes the reply and remembers what the turn taught about
// the user. It runs its own graph: recall, compose, then remember when the
// turn carries anything worth storing.
type responderNode struct {
	responderDeps
	exec *graph.Executor[responderState, responderUpdate]
}

func newResponder(deps responderDeps) (*responderNode, error) {
	n := &responderNode{responderDeps: deps}

	g, err := graph.NewBuilder("responder", reduceResponder).
		AddNode(nodeRecall, graph.NodeFunc[responderState, responderUpdate](n.recall)).
		SetFallback(nodeRecall, n.forget).
		AddNode(nodeCompose, graph.NodeFunc[responderState, responderUpdate](n.compose)).
		AddNode(nodeRemember, graph.NodeFunc[responderState, responderUpdate](n.remember), graph.NoRetry()).
		SetFallback(nodeRemember, missMemory).
		AddEdge(nodeRecall, nodeCompose).
		AddConditionalEdges(nodeCompose, n.afterCompose).
		AddEdge(nodeRemember, graph.End).
		SetEntry(nodeRecall).
		Compile()
	if err != nil {
		return nil, err
	}

	n.exec = graph.NewExecutor(g, nil, graph.Options{Retry: deps.retry, MaxSteps: 8, Now: deps.now})

	return n, nil
}

func (n *responderNode) Run(ctx context.Context, s State) (Update, error) {
	out, err := n.exec.Invoke(ctx, responderState{Turn: s})
	if err != nil {
		return Update{}, err
	}

	reply := Message{
		ID:         n.newID(),
		TurnID:     s.TurnID,
		Role:       RoleAssistant,
		Text:       out.Reply,
		Timestamp:  n.now(),
		Correction: s.TurnCorrection(),
	}

	update := Update{Messages: []Message{reply}}

	if out.Memory != nil {
		logMemory(ctx, out.Memory)

		update.MemoryBacklog = []string{}
		if out.Memory.Missed {
			update.MemoryBacklog = n.backlogAfterMiss(s)
		}
	}

	return update, nil
}

func (n *responderNode) recall(ctx context.Context, s responderState) (responderUpdate, error) {
	p, mistakes, err := n.memory.Recall(ctx, s.Turn.UserID, recentMistakes)
	if err != nil {
		return responderUpdate{}, err
	}

	return responderUpdate{Profile: p, Mistakes: mistakes}, nil
}

// forget replies without long-term context when the profile store fails.
func (n *responderNode) forget(s responderState, _ error) (responderUpdate, bool) {
	return responderUpdate{Profile: profile.Empty(s.Turn.UserID)}, true
}

func (n *responderNode) compose(ctx context.Context, s responderState) (responderUpdate, error) {
	values := map[string]string{
		"profile":    memory.Describe(s.Profile),
		"mistakes":   formatMistakes(s.Mistakes),
		"history":    formatHistory(s.Turn),
		"message":    lastUserText(s.Turn),
		"correction": formatCorrection(s.Turn.TurnCorrection()),
		"research":   formatResearch(s.Turn.TurnResearch()),
		"topic":      topicHint(s.Turn, s.Profile),
	}

	prompt := respondPromptTemplate
	for key, value := range values {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}

	text, err := failure.Call(ctx, "llm.complete", n.llmTimeout, func(ctx context.Context) (string, error) {
		return n.completer.Complete(ctx, llm.Prompt{User: prompt})
	})
	if err != nil {
		return responderUpdate{}, err
	}
	if strings.TrimSpace(text) == "" {
		return responderUpdate{}, failure.Newf(failure.KindSchemaViolation, "llm.complete", "empty reply")
	}

	return responderUpdate{Reply: text}, nil
}

func (n *responderNode) afterCompose(s responderState) graph.Decision {
	if s.Turn.TurnCorrection() == nil && len(s.Turn.MemoryBacklog) == 0 && len(n.evidence(s.Turn)) == 0 {
		return graph.Terminal()
	}

	return graph.To(nodeRemember)
}

func (n *responderNode) remember(ctx context.Context, s responderState) (responderUpdate, error) {
	req := memory.Request{
		UserID:   s.Turn.UserID,
		ThreadID: s.Turn.ThreadID,
		TurnID:   s.Turn.TurnID,
		Evidence: n.evidence(s.Turn),
	}

	if c := s.Turn.TurnCorrection(); c != nil {
		fact := correctionFact(c)
		req.Correction = &fact
	}

	for _, turnID := range s.Turn.MemoryBacklog {
		if turnID == s.Turn.TurnID {
			continue
		}
		if c := s.Turn.CorrectionOf(turnID); c != nil {
			req.Retried = append(req.Retried, correctionFact(c))
		}
	}

	outcome, err := n.memory.Upsert(ctx, req)
	if err != nil {
		return responderUpdate{}, err
	}

	return responderUpdate{Memory: &outcome}, nil
}

func correctionFact(c *Correction) memory.CorrectionFact {
	return memory.CorrectionFact{
		TurnID:      c.TurnID,
		Original:    c.OriginalText,
		Corrected:   c.CorrectedText,
		Explanation: c.Explanation,
		Edits:       len(c.Edits),
	}
}

// backlogAfterMiss keeps every turn the failed upsert covered, the current
// one included, capped to the evidence window.
func (n *responderNode) backlogAfterMiss(s State) []string {
	turns := unique(s.MemoryBacklog, pie.Map(n.evidence(s), func(e memory.Evidence) string {
		return e.TurnID
	}))
	turns = unique(turns, []string{s.TurnID})
	if len(turns) > n.evidenceWindow {
		turns = turns[len(turns)-n.evidenceWindow:]
	}

	return turns
}

// missMemory keeps the reply when the profile could not be updated; the
// evidence is offered again on the next turn.
func missMemory(_ responderState, err error) (responderUpdate, bool) {
	return responderUpdate{Memory: &memory.Outcome{Missed: true, Reason: err.Error()}}, true
}

// evidence returns the user messages to extract facts from: the current
// one when it talks about the user, plus turns whose extraction missed.
func (n *responderNode) evidence(s State) []memory.Evidence {
	turns := slices.Clone(s.MemoryBacklog)
	if msg := s.LastUserMessage(); msg != nil && mentionsSelf(msg.Text) {
		turns = append(turns, s.TurnID)
	}

	messages := s.UserTexts(unique(nil, turns))
	if len(messages) > n.evidenceWindow {
		messages = messages[len(messages)-n.evidenceWindow:]
	}

	return pie.Map(messages, func(m Message) memory.Evidence {
		return memory.Evidence{TurnID: m.TurnID, Text: m.Text}
	})
}

var unique = graph.UnionDedup(func(s string) string { return s })

var selfMarkers = []string{"i", "i'm", "im", "i've", "i'd", "i'll", "my", "me", "mine", "myself"}

func mentionsSelf(text string) bool {
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"()")
		if slices.Contains(selfMarkers, word) {
			return true
		}
	}

	return false
}

func logMemory(ctx context.Context, outcome *memory.Outcome) {
	if outcome == nil {
		return
	}

	mylog.FromContext(ctx).Debug("Turn memory",
		"changed", outcome.Changed,
		"missed", outcome.Missed,
		"grammar_added", len(outcome.GrammarAdded),
	)
}
