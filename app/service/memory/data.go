package memory

import "tutorgraph/app/service/profile"

// Evidence is one user utterance that facts may be extracted from.
type Evidence struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

// CorrectionFact is the structured correction produced for a turn.
// TurnID defaults to the request turn when empty.
type CorrectionFact struct {
	TurnID      string `json:"turn_id,omitempty"`
	Original    string `json:"original"`
	Corrected   string `json:"corrected"`
	Explanation string `json:"explanation"`
	Edits       int    `json:"edits"`
}

type Request struct {
	UserID     string
	ThreadID   string
	TurnID     string
	Evidence   []Evidence
	Correction *CorrectionFact

	// Retried holds corrections of earlier turns whose upsert missed.
	Retried []CorrectionFact
}

// Outcome describes what an upsert changed. Missed is set when extraction
// failed and the evidence should be offered again on a later turn.
type Outcome struct {
	Changed        bool
	InterestsAdded []string
	SkillsUpdated  []string
	GrammarAdded   []profile.GrammarEntry
	Missed         bool
	Reason         string
	Profile        *profile.Profile
}

// Extraction is the schema the model fills from conversation evidence.
type Extraction struct {
	Name        string             `json:"name" jsonschema:"description=The user's name if they stated it"`
	Location    string             `json:"location" jsonschema:"description=Where the user lives if they stated it"`
	Interests   []string           `json:"interests" jsonschema:"description=Topics the user enjoys,maxItems=10" validate:"max=10,dive,required,max=80"`
	Proficiency []SkillObservation `json:"proficiency" jsonschema:"description=English skill estimates supported by the evidence" validate:"dive"`
}

type SkillObservation struct {
	Area  string  `json:"area" jsonschema:"enum=grammar,enum=vocabulary,enum=fluency,enum=spelling" validate:"required,oneof=grammar vocabulary fluency spelling"`
	Score float64 `json:"score" jsonschema:"minimum=0,maximum=1" validate:"gte=0,lte=1"`
}
