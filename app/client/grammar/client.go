package grammar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"unicode/utf16"

	"tutorgraph/app/config"
	"tutorgraph/app/failure"

	"github.com/samber/do"
)

// maxSuggestions above which a match is considered ambiguous.
const maxSuggestions = 3

// Client checks text against a LanguageTool compatible server.
type Client struct {
	baseURL  string
	language string
	http     *http.Client
}

func New(di *do.Injector) (*Client, error) {
	cfg := do.MustInvoke[*config.Config](di)

	return NewClient(cfg.Grammar.BaseURL, cfg.Grammar.Language, &http.Client{
		Timeout: cfg.Timeouts.Grammar,
	}), nil
}

func NewClient(baseURL, language string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		language: language,
		http:     httpClient,
	}
}

func (c *Client) Check(ctx context.Context, text string) (Report, error) {
	form := url.Values{}
	form.Set("text", text)
	form.Set("language", c.language)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v2/check", strings.NewReader(form.Encode()))
	if err != nil {
		return Report{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Report{}, failure.Classify("grammar.check", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		kind := failure.KindUnavailable
		if resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout {
			kind = failure.KindTimeout
		}
		return Report{}, failure.Newf(kind, "grammar.check", "status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed checkResponse
	if err = json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Report{}, failure.Classify("grammar.check", fmt.Errorf("failed to decode response: %w", err))
	}

	return buildReport(text, parsed.Matches), nil
}

// buildReport applies the first suggestion of every match. Offsets from the
// server count UTF-16 code units.
func buildReport(text string, matches []match) Report {
	units := utf16.Encode([]rune(text))

	slices.SortFunc(matches, func(a, b match) int {
		return a.Offset - b.Offset
	})

	report := Report{
		Text:       text,
		Edits:      []Edit{},
		Confidence: TierHigh,
	}

	var out []uint16
	cursor := 0

	for _, m := range matches {
		start, end := m.Offset, m.Offset+m.Length
		if start < cursor || end > len(units) || start > end {
			continue
		}

		tier := matchTier(m)
		if !tier.AtLeast(report.Confidence) {
			report.Confidence = tier
		}

		if len(m.Replacements) == 0 {
			continue
		}

		message := m.Message
		if message == "" {
			message = m.ShortMessage
		}

		original := string(utf16.Decode(units[start:end]))
		replacementText := m.Replacements[0].Value

		report.Edits = append(report.Edits, Edit{
			Offset:      len(utf16.Decode(units[:start])),
			Original:    original,
			Replacement: replacementText,
			Message:     message,
			Rule:        m.Rule.ID,
			Tier:        tier,
		})

		out = append(out, units[cursor:start]...)
		out = append(out, utf16.Encode([]rune(replacementText))...)
		cursor = end
	}

	out = append(out, units[cursor:]...)
	report.Corrected = string(utf16.Decode(out))

	return report
}

func matchTier(m match) Tier {
	var tier Tier

	switch n := len(m.Replacements); {
	case n == 0:
		return TierLow
	case n == 1:
		tier = TierHigh
	case n <= maxSuggestions:
		tier = TierMedium
	default:
		return TierLow
	}

	switch m.Rule.IssueType {
	case "style", "uncategorized", "locale-violation", "register":
		if tier == TierHigh {
			tier = TierMedium
		}
	}

	return tier
}
