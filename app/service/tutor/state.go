package tutor

import (
	"time"

	"tutorgraph/app/client/grammar"
	"tutorgraph/app/client/search"
	"tutorgraph/app/graph"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turn_id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Correction of the turn, attached to the assistant reply
	Correction *Correction `json:"correction,omitempty"`
}

type Correction struct {
	TurnID        string           `json:"turn_id"`
	OriginalText  string           `json:"original_text"`
	CorrectedText string           `json:"corrected_text"`
	Edits         []grammar.Edit   `json:"edits"`
	Explanation   string           `json:"explanation"`
	Improvement   string           `json:"improvement,omitempty"`
	Confidence    grammar.Tier     `json:"confidence"`
	Verified      bool             `json:"verified"`
	Verifier      CorrectionSource `json:"verifier"`
}

type CorrectionSource string

const (
	SourceChecker CorrectionSource = "checker"
	SourceModel   CorrectionSource = "model"
)

// HasMistakes reports whether the text needed any change.
func (c *Correction) HasMistakes() bool {
	return c != nil && len(c.Edits) > 0 && graph.NormalizeKey(c.OriginalText) != graph.NormalizeKey(c.CorrectedText)
}

type Research struct {
	TurnID   string           `json:"turn_id"`
	Query    string           `json:"query"`
	Findings []search.Finding `json:"findings"`
	Sources  []string         `json:"sources"`

	// Degraded is set when search failed and the reply goes out without it
	Degraded bool   `json:"degraded"`
	Reason   string `json:"reason,omitempty"`
}

type Signals struct {
	DirectQuestion bool `json:"direct_question"`
	TopicExhausted bool `json:"topic_exhausted"`
}

// State is the conversation state of one thread.
type State struct {
	ThreadID      string         `json:"thread_id"`
	UserID        string         `json:"user_id"`
	TurnID        string         `json:"turn_id"`
	TurnCount     int            `json:"turn_count"`
	Messages      []Message      `json:"messages"`
	Correction    *Correction    `json:"correction,omitempty"`
	Research      *Research      `json:"research,omitempty"`
	Route         []graph.NodeID `json:"route"`
	Signals       Signals        `json:"signals"`
	MemoryBacklog []string       `json:"memory_backlog"`
}

// Update is a partial state change. Nil and zero fields leave state as is.
type Update struct {
	ThreadID   string
	UserID     string
	TurnID     string
	TurnCount  int
	Messages   []Message
	Correction *Correction
	Research   *Research
	Route      []graph.NodeID
	Signals    *Signals

	// Non-nil replaces the backlog, an empty slice clears it
	MemoryBacklog []string
}

// Reduce folds u into s. Every field has exactly one reducer.
func Reduce(s State, u Update) State {
	return State{
		ThreadID:      graph.KeepNonEmpty(s.ThreadID, u.ThreadID),
		UserID:        graph.KeepNonEmpty(s.UserID, u.UserID),
		TurnID:        graph.KeepNonEmpty(s.TurnID, u.TurnID),
		TurnCount:     graph.Sum(s.TurnCount, u.TurnCount),
		Messages:      graph.Append(s.Messages, u.Messages),
		Correction:    graph.Replace(s.Correction, u.Correction),
		Research:      graph.Replace(s.Research, u.Research),
		Route:         graph.Overwrite(s.Route, u.Route),
		Signals:       *graph.Replace(&s.Signals, u.Signals),
		MemoryBacklog: graph.Overwrite(s.MemoryBacklog, u.MemoryBacklog),
	}
}

// TurnCorrection returns the correction made in the current turn.
func (s State) TurnCorrection() *Correction {
	if s.Correction == nil || s.Correction.TurnID != s.TurnID {
		return nil
	}

	return s.Correction
}

// CorrectionOf returns the correction attached to the reply of turnID.
func (s State) CorrectionOf(turnID string) *Correction {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.TurnID == turnID && msg.Role == RoleAssistant && msg.Correction != nil {
			return msg.Correction
		}
	}

	return nil
}

// TurnResearch returns the research made in the current turn.
func (s State) TurnResearch() *Research {
	if s.Research == nil || s.Research.TurnID != s.TurnID {
		return nil
	}

	return s.Research
}

// LastUserMessage returns the user message of the current turn.
func (s State) LastUserMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.TurnID != s.TurnID {
			return nil
		}
		if msg.Role == RoleUser {
			return &msg
		}
	}

	return nil
}

// Reply returns the assistant message of the current turn.
func (s State) Reply() *Message {
	if len(s.Messages) == 0 {
		return nil
	}

	last := s.Messages[len(s.Messages)-1]
	if last.Role != RoleAssistant || last.TurnID != s.TurnID {
		return nil
	}

	return &last
}

func (s State) Responded() bool {
	return s.TurnID != "" && s.Reply() != nil
}

// UserTexts returns user messages of the given turns, oldest first.
func (s State) UserTexts(turns []string) []Message {
	var result []Message

	for _, msg := range s.Messages {
		if msg.Role != RoleUser {
			continue
		}
		for _, turn := range turns {
			if msg.TurnID == turn {
				result = append(result, msg)
				break
			}
		}
	}

	return result
}
