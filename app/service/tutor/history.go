package tutor

import (
	"fmt"
	"strings"
	"time"

	"tutorgraph/app/client/search"
	"tutorgraph/app/service/profile"
)

const historySize = 12

// formatHistory renders the messages before the current turn.
func formatHistory(s State) string {
	var previous []Message
	for _, msg := range s.Messages {
		if msg.TurnID != s.TurnID {
			previous = append(previous, msg)
		}
	}

	if len(previous) > historySize {
		previous = previous[len(previous)-historySize:]
	}

	if len(previous) == 0 {
		return "No previous messages"
	}

	var builder strings.Builder

	for _, msg := range previous {
		builder.WriteString(fmt.Sprintf("%s - %s: %s\n", formatTime(msg.Timestamp), msg.Role, msg.Text))
	}

	return builder.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}

	return t.Format("15:04:05")
}

func formatMistakes(entries []profile.GrammarEntry) string {
	if len(entries) == 0 {
		return "None recorded"
	}

	var builder strings.Builder

	for _, e := range entries {
		builder.WriteString(fmt.Sprintf("- %q → %q\n", e.Original, e.Corrected))
	}

	return builder.String()
}

func formatCorrection(c *Correction) string {
	switch {
	case c == nil:
		return "Not checked"
	case !c.HasMistakes():
		return "No mistakes found"
	}

	var builder strings.Builder

	builder.WriteString("Corrected: " + c.CorrectedText + "\n")
	if c.Explanation != "" {
		builder.WriteString("Explanation: " + c.Explanation + "\n")
	}
	if c.Improvement != "" {
		builder.WriteString("More natural: " + c.Improvement + "\n")
	}

	return builder.String()
}

func formatResearch(r *Research) string {
	switch {
	case r == nil:
		return "No research needed"
	case r.Degraded:
		return "Search is unavailable right now. Answer from general knowledge and say that you could not check the facts."
	}

	var builder strings.Builder

	for _, f := range r.Findings {
		builder.WriteString(formatFinding(f) + "\n")
	}

	return builder.String()
}

func formatFinding(f search.Finding) string {
	if f.Source == "" {
		return "- " + f.Snippet
	}

	return fmt.Sprintf("- %s (source: %s)", f.Snippet, f.Source)
}

func topicHint(s State, p *profile.Profile) string {
	if !s.Signals.TopicExhausted {
		return ""
	}

	if p == nil || len(p.Interests) == 0 {
		return "The learner's answers are getting short. Suggest a new topic to talk about."
	}

	return "The learner's answers are getting short. Suggest a new topic based on their interests: " +
		strings.Join(p.Interests, ", ") + "."
}
