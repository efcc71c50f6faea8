package grammar

// Tier is a coarse confidence level of a correction.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

func (t Tier) Rank() int {
	switch t {
	case TierHigh:
		return 3
	case TierMedium:
		return 2
	case TierLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether t is as confident as other.
func (t Tier) AtLeast(other Tier) bool {
	return t.Rank() >= other.Rank()
}

func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierLow, TierMedium, TierHigh:
		return Tier(s)
	default:
		return TierLow
	}
}

// Edit is one suggested change to the checked text. Offset is in runes.
type Edit struct {
	Offset      int    `json:"offset"`
	Original    string `json:"original"`
	Replacement string `json:"replacement"`
	Message     string `json:"message"`
	Rule        string `json:"rule"`
	Tier        Tier   `json:"tier"`
}

// Report is the result of checking one text.
type Report struct {
	Text       string `json:"text"`
	Corrected  string `json:"corrected"`
	Edits      []Edit `json:"edits"`
	Confidence Tier   `json:"confidence"`
}

type checkResponse struct {
	Matches []match `json:"matches"`
}

type match struct {
	Message      string        `json:"message"`
	ShortMessage string        `json:"shortMessage"`
	Offset       int           `json:"offset"`
	Length       int           `json:"length"`
	Replacements []replacement `json:"replacements"`
	Rule         rule          `json:"rule"`
}

type replacement struct {
	Value string `json:"value"`
}

type rule struct {
	ID        string `json:"id"`
	IssueType string `json:"issueType"`
}
