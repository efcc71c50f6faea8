package tutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tutorgraph/app/client/grammar"
	"tutorgraph/app/client/llm"
	"tutorgraph/app/failure"
	"tutorgraph/app/util/mylog"

	_ "embed"
)

//go:embed verify_prompt.txt
var verifyPromptTemplate string

type GrammarChecker interface {
	Check(ctx context.Context, text string) (grammar.Report, error)
}

type StructuredModel interface {
	Structured(ctx context.Context, p llm.Prompt, out any) error
}

type verification struct {
	Corrected   string `json:"corrected" validate:"required" jsonschema:"description=Corrected learner message"`
	Explanation string `json:"explanation" jsonschema:"description=Short explanation of the mistakes"`
	Improvement string `json:"improvement" jsonschema:"description=More natural native-like phrasing"`
	Confidence  string `json:"confidence" validate:"oneof=low medium high" jsonschema:"enum=low,enum=medium,enum=high"`
}

// correctionNode checks the user message and asks the model to confirm
// corrections the checker is not sure about.
type correctionNode struct {
	checker      GrammarChecker
	verifier     StructuredModel
	autoAccept   grammar.Tier
	checkTimeout time.Duration
	llmTimeout   time.Duration
}

func (n *correctionNode) Run(ctx context.Context, s State) (Update, error) {
	msg := s.LastUserMessage()
	if msg == nil {
		return Update{}, failure.Newf(failure.KindInvalidInput, "correction", "turn %s has no user message", s.TurnID)
	}

	report, err := failure.Call(ctx, "grammar.check", n.checkTimeout, func(ctx context.Context) (grammar.Report, error) {
		return n.checker.Check(ctx, msg.Text)
	})
	if err != nil {
		return Update{}, err
	}

	result := &Correction{
		TurnID:        s.TurnID,
		OriginalText:  msg.Text,
		CorrectedText: report.Corrected,
		Edits:         report.Edits,
		Explanation:   explainEdits(report.Edits),
		Confidence:    report.Confidence,
		Verified:      true,
		Verifier:      SourceChecker,
	}

	if report.Confidence.AtLeast(n.autoAccept) {
		return Update{Correction: result}, nil
	}

	v, err := n.verify(ctx, msg.Text, report)
	switch {
	case errors.Is(err, failure.ErrSchemaViolation):
		mylog.FromContext(ctx).Warn("Correction verification returned malformed output, keeping checker result",
			"error", err,
		)
		result.Verified = false
		return Update{Correction: result}, nil
	case err != nil:
		return Update{}, err
	}

	result.Verifier = SourceModel
	result.Confidence = grammar.ParseTier(v.Confidence)
	result.Improvement = strings.TrimSpace(v.Improvement)

	if corrected := strings.TrimSpace(v.Corrected); corrected != report.Corrected {
		result.CorrectedText = corrected
		result.Edits = nil
		if corrected != msg.Text {
			result.Edits = []grammar.Edit{{
				Original:    msg.Text,
				Replacement: corrected,
				Message:     strings.TrimSpace(v.Explanation),
				Rule:        "MODEL_VERIFIED",
				Tier:        result.Confidence,
			}}
		}
	}
	if explanation := strings.TrimSpace(v.Explanation); explanation != "" {
		result.Explanation = explanation
	}
	if len(result.Edits) == 0 {
		result.Explanation = ""
	}

	return Update{Correction: result}, nil
}

func (n *correctionNode) verify(ctx context.Context, text string, report grammar.Report) (verification, error) {
	values := map[string]string{
		"message":    text,
		"suggestion": report.Corrected,
		"edits":      formatEdits(report.Edits),
	}

	prompt := verifyPromptTemplate
	for key, value := range values {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}

	return failure.Call(ctx, "llm.verify", n.llmTimeout, func(ctx context.Context) (verification, error) {
		var v verification
		err := n.verifier.Structured(ctx, llm.Prompt{User: prompt}, &v)
		return v, err
	})
}

func explainEdits(edits []grammar.Edit) string {
	var parts []string
	for _, e := range edits {
		if e.Message != "" {
			parts = append(parts, fmt.Sprintf("%q → %q: %s", e.Original, e.Replacement, e.Message))
		}
	}

	return strings.Join(parts, "\n")
}

func formatEdits(edits []grammar.Edit) string {
	if len(edits) == 0 {
		return "None"
	}

	var b strings.Builder
	for _, e := range edits {
		b.WriteString(fmt.Sprintf("- %q → %q (%s, %s): %s\n", e.Original, e.Replacement, e.Rule, e.Tier, e.Message))
	}

	return b.String()
}
