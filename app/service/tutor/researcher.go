package tutor

import (
	"context"
	"strings"
	"time"
	"unicode"

	"tutorgraph/app/client/search"
	"tutorgraph/app/failure"

	"github.com/elliotchance/pie/v2"
)

type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Finding, error)
}

type researcherNode struct {
	searcher Searcher
	timeout  time.Duration
}

func (n *researcherNode) Run(ctx context.Context, s State) (Update, error) {
	msg := s.LastUserMessage()
	if msg == nil {
		return Update{}, failure.Newf(failure.KindInvalidInput, "researcher", "turn %s has no user message", s.TurnID)
	}

	query := researchQuery(msg.Text)

	findings, err := failure.Call(ctx, "search", n.timeout, func(ctx context.Context) ([]search.Finding, error) {
		return n.searcher.Search(ctx, query)
	})
	if err != nil {
		return Update{}, err
	}

	sources := unique(nil, pie.Filter(pie.Map(findings, func(f search.Finding) string {
		return f.Source
	}), func(src string) bool {
		return src != ""
	}))

	return Update{Research: &Research{
		TurnID:   s.TurnID,
		Query:    query,
		Findings: findings,
		Sources:  sources,
	}}, nil
}

// degradeResearch lets the turn continue without facts when search fails.
func degradeResearch(s State, err error) (Update, bool) {
	return Update{Research: &Research{
		TurnID:   s.TurnID,
		Query:    researchQuery(lastUserText(s)),
		Degraded: true,
		Reason:   err.Error(),
	}}, true
}

var queryFillers = []string{
	"can you tell me", "could you tell me", "tell me about", "tell me", "do you know", "i want to know", "i wonder",
	"please", "explain",
}

// researchQuery strips conversational filler from a question.
func researchQuery(text string) string {
	query := strings.ToLower(strings.TrimSpace(text))

	for _, filler := range queryFillers {
		if strings.HasPrefix(query, filler+" ") {
			query = strings.TrimPrefix(query, filler+" ")
		}
	}

	query = strings.TrimRightFunc(query, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})

	if query == "" {
		return strings.TrimSpace(text)
	}

	return query
}

func lastUserText(s State) string {
	if msg := s.LastUserMessage(); msg != nil {
		return msg.Text
	}

	return ""
}
