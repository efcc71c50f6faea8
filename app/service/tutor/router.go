package tutor

import (
	"slices"
	"strings"
	"unicode"

	"tutorgraph/app/graph"
)

const (
	NodeSupervisor graph.NodeID = "supervisor"
	NodeCorrection graph.NodeID = "correction"
	NodeResearcher graph.NodeID = "researcher"
	NodeResponder  graph.NodeID = "responder"
)

// Policy is the routing policy of the supervisor.
type Policy struct {
	// FanOut runs correction and research together for direct questions
	FanOut bool
}

// Decide picks the next nodes from state alone.
func (p Policy) Decide(s State) graph.Decision {
	if s.Responded() {
		return graph.Terminal()
	}

	needsResearch := s.Signals.DirectQuestion && s.TurnResearch() == nil

	if s.TurnCorrection() == nil {
		if p.FanOut && needsResearch {
			return graph.To(NodeCorrection, NodeResearcher)
		}
		return graph.To(NodeCorrection)
	}

	if needsResearch {
		return graph.To(NodeResearcher)
	}

	return graph.To(NodeResponder)
}

var (
	questionWords = []string{
		"what", "who", "whom", "whose", "where", "when", "why", "which", "how",
		"is", "are", "was", "were", "does", "did", "can", "could", "will",
		"would", "should",
	}
	requestPhrases = []string{
		"tell me about", "tell me what", "explain", "do you know", "i wonder", "i want to know",
	}
)

const (
	exhaustedWindow   = 3
	exhaustedMaxWords = 3
)

// IsDirectQuestion reports whether text asks for information.
func IsDirectQuestion(text string) bool {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return false
	}

	if strings.ContainsRune(text, '?') {
		return true
	}

	for _, phrase := range requestPhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}

	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	if len(words) < 2 {
		return false
	}

	return slices.Contains(questionWords, strings.TrimSuffix(words[0], "'s"))
}

// TopicExhausted reports whether the last user messages became too short to
// keep the conversation going. texts are oldest first.
func TopicExhausted(texts []string) bool {
	if len(texts) < exhaustedWindow {
		return false
	}

	for _, text := range texts[len(texts)-exhaustedWindow:] {
		if len(strings.Fields(text)) > exhaustedMaxWords {
			return false
		}
	}

	return true
}

// signalsFor derives the routing signals of a new user message.
func signalsFor(history []Message, text string) Signals {
	var texts []string
	for _, msg := range history {
		if msg.Role == RoleUser {
			texts = append(texts, msg.Text)
		}
	}
	texts = append(texts, text)

	return Signals{
		DirectQuestion: IsDirectQuestion(text),
		TopicExhausted: TopicExhausted(texts),
	}
}
