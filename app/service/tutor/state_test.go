package tutor

import (
	"testing"
	"time"

	"tutorgraph/app/client/search"
	"tutorgraph/app/graph"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() State {
	return State{
		ThreadID:  "t1",
		UserID:    "u1",
		TurnID:    "turn-1",
		TurnCount: 1,
		Messages: []Message{
			{ID: "m1", TurnID: "turn-1", Role: RoleUser, Text: "I goed home", Timestamp: time.Unix(100, 0).UTC()},
		},
		Correction:    &Correction{TurnID: "turn-1", OriginalText: "I goed home", CorrectedText: "I went home"},
		Route:         []graph.NodeID{NodeCorrection},
		Signals:       Signals{DirectQuestion: true},
		MemoryBacklog: []string{"turn-0"},
	}
}

func TestReduceEmptyUpdateIsNoop(t *testing.T) {
	for name, s := range map[string]State{"zero": {}, "populated": sampleState()} {
		t.Run(name, func(t *testing.T) {
			if diff := cmp.Diff(s, Reduce(s, Update{})); diff != "" {
				t.Errorf("empty update changed state (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReduceFields(t *testing.T) {
	s := sampleState()

	next := Reduce(s, Update{
		TurnID:        "turn-2",
		TurnCount:     1,
		Messages:      []Message{{ID: "m2", TurnID: "turn-2", Role: RoleUser, Text: "hello"}},
		Correction:    &Correction{TurnID: "turn-2", OriginalText: "hello", CorrectedText: "hello"},
		Route:         []graph.NodeID{graph.End},
		Signals:       &Signals{},
		MemoryBacklog: []string{},
	})

	assert.Equal(t, "t1", next.ThreadID)
	assert.Equal(t, "turn-2", next.TurnID)
	assert.Equal(t, 2, next.TurnCount)
	assert.Len(t, next.Messages, 2)
	assert.Equal(t, "hello", next.Correction.OriginalText)
	assert.Equal(t, []graph.NodeID{graph.End}, next.Route)
	assert.Equal(t, Signals{}, next.Signals)
	assert.Empty(t, next.MemoryBacklog)

	assert.Len(t, s.Messages, 1)
	assert.Equal(t, "I goed home", s.Correction.OriginalText)
}

func TestReduceIndependentUpdatesCommute(t *testing.T) {
	s := sampleState()

	correction := Update{Correction: &Correction{TurnID: "turn-1", OriginalText: "x", CorrectedText: "y"}}
	research := Update{Research: &Research{
		TurnID:   "turn-1",
		Query:    "capital of portugal",
		Findings: []search.Finding{{Snippet: "Lisbon", Source: "wiki"}},
	}}

	a := Reduce(Reduce(s, correction), research)
	b := Reduce(Reduce(s, research), correction)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("merge order changed state (-a +b):\n%s", diff)
	}
}

func TestTurnScopedAccessors(t *testing.T) {
	s := sampleState()

	assert.NotNil(t, s.TurnCorrection())
	assert.Nil(t, s.TurnResearch())
	assert.False(t, s.Responded())
	assert.Equal(t, "I goed home", s.LastUserMessage().Text)

	s.TurnID = "turn-2"
	assert.Nil(t, s.TurnCorrection())
	assert.Nil(t, s.LastUserMessage())

	s.TurnID = "turn-1"
	s.Messages = append(s.Messages, Message{TurnID: "turn-1", Role: RoleAssistant, Text: "You mean 'went'"})
	assert.True(t, s.Responded())
	assert.Equal(t, "I goed home", s.LastUserMessage().Text)
	assert.Equal(t, "You mean 'went'", s.Reply().Text)
}

func TestCorrectionOf(t *testing.T) {
	s := sampleState()
	assert.Nil(t, s.CorrectionOf("turn-1"))

	s.Messages = append(s.Messages, Message{TurnID: "turn-1", Role: RoleAssistant, Text: "You mean 'went'", Correction: s.Correction})
	s.TurnID = "turn-2"

	require.NotNil(t, s.CorrectionOf("turn-1"))
	assert.Equal(t, "I went home", s.CorrectionOf("turn-1").CorrectedText)
	assert.Nil(t, s.CorrectionOf("turn-2"))
}

func TestMentionsSelf(t *testing.T) {
	assert.True(t, mentionsSelf("My name is Ana"))
	assert.True(t, mentionsSelf("Yesterday I went out."))
	assert.False(t, mentionsSelf("What's the capital of Portugal?"))
}

func TestResearchQuery(t *testing.T) {
	assert.Equal(t, "the roman empire", researchQuery("Tell me about the Roman empire!"))
	assert.Equal(t, "who wrote hamlet", researchQuery("Who wrote Hamlet?"))
	assert.Equal(t, "???", researchQuery("???"))
}
