package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"time"

	"tutorgraph/app/graph"
)

const (
	MaxInterests        = 10
	maxEvidencePerSkill = 20
)

// Profile is the long-term knowledge about one user.
type Profile struct {
	UserID      string              `json:"user_id"`
	Name        string              `json:"name,omitempty"`
	Location    string              `json:"location,omitempty"`
	Interests   []string            `json:"interests"`
	Proficiency map[string]float64  `json:"proficiency"`
	Evidence    map[string][]string `json:"evidence,omitempty"`
	Version     int64               `json:"version"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

func Empty(userID string) *Profile {
	return &Profile{
		UserID:      userID,
		Interests:   []string{},
		Proficiency: map[string]float64{},
		Evidence:    map[string][]string{},
	}
}

func (p *Profile) Clone() *Profile {
	c := *p
	c.Interests = slices.Clone(p.Interests)
	c.Proficiency = maps.Clone(p.Proficiency)
	c.Evidence = make(map[string][]string, len(p.Evidence))
	for skill, turns := range p.Evidence {
		c.Evidence[skill] = slices.Clone(turns)
	}

	return &c
}

// Observed reports whether evidence from turnID was already applied to skill.
func (p *Profile) Observed(skill, turnID string) bool {
	return slices.Contains(p.Evidence[skill], turnID)
}

// Observe remembers that turnID contributed to skill.
func (p *Profile) Observe(skill, turnID string) {
	if p.Evidence == nil {
		p.Evidence = map[string][]string{}
	}

	turns := append(p.Evidence[skill], turnID)
	if len(turns) > maxEvidencePerSkill {
		turns = turns[len(turns)-maxEvidencePerSkill:]
	}
	p.Evidence[skill] = turns
}

// GrammarEntry is one append-only grammar history record.
type GrammarEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Seq         int64     `json:"seq"`
	ContentKey  string    `json:"-"`
	ThreadID    string    `json:"thread_id"`
	TurnID      string    `json:"turn_id"`
	Original    string    `json:"original"`
	Corrected   string    `json:"corrected"`
	Explanation string    `json:"explanation"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContentKey identifies a correction by content, independent of where or
// when it was seen.
func ContentKey(original, corrected string) string {
	sum := sha256.Sum256([]byte(graph.NormalizeKey(original) + "\x00" + graph.NormalizeKey(corrected)))
	return hex.EncodeToString(sum[:])
}
