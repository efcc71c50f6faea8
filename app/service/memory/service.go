package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"tutorgraph/app/client/llm"
	"tutorgraph/app/config"
	"tutorgraph/app/failure"
	"tutorgraph/app/graph"
	"tutorgraph/app/service/profile"
	"tutorgraph/app/util/keylock"
	"tutorgraph/app/util/mylog"

	_ "embed"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
)

//go:embed extract_prompt.txt
var extractPromptTemplate string

// SkillGrammar is the proficiency area fed by turn corrections.
const SkillGrammar = "grammar"

type Extractor interface {
	Structured(ctx context.Context, p llm.Prompt, out any) error
}

type Embedder interface {
	CanEmbed() bool
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Decay               float64
	SimilarityThreshold float64
	MaxConflictRetries  int
	ExtractionTimeout   time.Duration
}

// Service turns conversation evidence into profile deltas and applies them
// without losing concurrent updates or duplicating known facts.
type Service struct {
	store     *profile.Store
	extractor Extractor
	embedder  Embedder
	locks     *keylock.Map
	merge     func(old, update map[string]float64) map[string]float64
	opts      Options
}

func New(di *do.Injector) (*Service, error) {
	cfg := do.MustInvoke[*config.Config](di)
	client := do.MustInvoke[*llm.Client](di)

	return NewService(do.MustInvoke[*profile.Store](di), client, client, Options{
		Decay:               cfg.Memory.Decay,
		SimilarityThreshold: cfg.Memory.SimilarityThreshold,
		MaxConflictRetries:  cfg.Memory.MaxConflictRetries,
		ExtractionTimeout:   cfg.Timeouts.Extraction,
	}), nil
}

func NewService(store *profile.Store, extractor Extractor, embedder Embedder, opts Options) *Service {
	if opts.MaxConflictRetries < 1 {
		opts.MaxConflictRetries = 1
	}

	return &Service{
		store:     store,
		extractor: extractor,
		embedder:  embedder,
		locks:     keylock.New(),
		merge:     graph.WeightedMerge(opts.Decay),
		opts:      opts,
	}
}

func (s *Service) Profile(ctx context.Context, userID string) (*profile.Profile, error) {
	return s.store.Get(ctx, userID)
}

func (s *Service) GrammarHistory(ctx context.Context, userID string, offset, limit int) ([]profile.GrammarEntry, int, error) {
	return s.store.GrammarHistory(ctx, userID, offset, limit)
}

// Recall returns the profile and the most recent grammar corrections.
func (s *Service) Recall(ctx context.Context, userID string, recent int) (*profile.Profile, []profile.GrammarEntry, error) {
	p, err := s.store.Get(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	_, total, err := s.store.GrammarHistory(ctx, userID, 0, 1)
	if err != nil {
		return nil, nil, err
	}

	entries, _, err := s.store.GrammarHistory(ctx, userID, max(total-recent, 0), recent)
	if err != nil {
		return nil, nil, err
	}

	return p, entries, nil
}

// Upsert extracts facts from req and merges them into the user profile.
// Extraction failures are reported as a miss, not as an error; grammar
// facts from the correction are still applied.
func (s *Service) Upsert(ctx context.Context, req Request) (Outcome, error) {
	ctx = mylog.With(ctx, "user_id", req.UserID, "turn_id", req.TurnID)
	logger := mylog.FromContext(ctx)

	var outcome Outcome

	extracted, err := s.extract(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return outcome, ctx.Err()
		}

		logger.Warn("Profile extraction missed", "error", err)
		outcome.Missed = true
		outcome.Reason = err.Error()
	}

	vectors := s.embedCandidates(ctx, req.UserID, extracted)

	unlock, err := s.locks.Lock(ctx, req.UserID)
	if err != nil {
		return outcome, err
	}
	defer unlock()

	for attempt := 1; attempt <= s.opts.MaxConflictRetries; attempt++ {
		current, err := s.store.Get(ctx, req.UserID)
		if err != nil {
			return outcome, err
		}

		next := current.Clone()
		delta := s.apply(next, req, extracted, vectors)

		grammar, err := s.newGrammar(ctx, req)
		if err != nil {
			return outcome, err
		}

		if !delta.changed && len(grammar) == 0 {
			outcome.Profile = current
			logger.Debug("Profile unchanged")
			return outcome, nil
		}

		added, err := s.store.Commit(ctx, next, grammar)
		if errors.Is(err, profile.ErrVersionConflict) {
			logger.Debug("Profile changed concurrently, retrying", "attempt", attempt)
			continue
		}
		if err != nil {
			return outcome, err
		}

		outcome.Changed = true
		outcome.InterestsAdded = delta.interests
		outcome.SkillsUpdated = delta.skills
		outcome.GrammarAdded = added
		outcome.Profile = next

		logger.Info("Profile updated",
			"interests_added", delta.interests,
			"skills_updated", delta.skills,
			"grammar_added", len(added),
			"version", next.Version,
		)

		return outcome, nil
	}

	return outcome, failure.Newf(failure.KindPersistence, "memory.upsert",
		"profile of %s kept changing after %d attempts", req.UserID, s.opts.MaxConflictRetries)
}

func (s *Service) extract(ctx context.Context, req Request) (*Extraction, error) {
	if len(req.Evidence) == 0 {
		return nil, nil
	}

	current, err := s.store.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	var evidence strings.Builder
	for _, e := range req.Evidence {
		evidence.WriteString(fmt.Sprintf("- [%s] %s\n", e.TurnID, e.Text))
	}

	prompt := strings.ReplaceAll(extractPromptTemplate, "{profile}", Describe(current))
	prompt = strings.ReplaceAll(prompt, "{evidence}", evidence.String())

	return failure.Call(ctx, "memory.extract", s.opts.ExtractionTimeout, func(ctx context.Context) (*Extraction, error) {
		var out Extraction
		if err := s.extractor.Structured(ctx, llm.Prompt{User: prompt}, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
}

type delta struct {
	changed   bool
	interests []string
	skills    []string
}

func (s *Service) apply(p *profile.Profile, req Request, ex *Extraction, vectors map[string][]float32) delta {
	var d delta

	if ex != nil {
		if name := graph.KeepNonEmpty(p.Name, ex.Name); name != p.Name {
			p.Name = name
			d.changed = true
		}
		if location := graph.KeepNonEmpty(p.Location, ex.Location); location != p.Location {
			p.Location = location
			d.changed = true
		}

		for _, candidate := range ex.Interests {
			candidate = strings.TrimSpace(candidate)
			if candidate == "" || len(p.Interests) >= profile.MaxInterests {
				continue
			}
			if s.knownInterest(p.Interests, candidate, vectors) {
				continue
			}

			p.Interests = graph.UnionDedup(graph.NormalizeKey)(p.Interests, []string{candidate})
			d.interests = append(d.interests, candidate)
			d.changed = true
		}
	}

	observed := map[string]float64{}
	if ex != nil {
		for _, obs := range ex.Proficiency {
			observed[obs.Area] = obs.Score
		}
	}
	if req.Correction != nil {
		observed[SkillGrammar] = 1 / float64(1+req.Correction.Edits)
	}

	for _, skill := range pie.Sort(pie.Keys(observed)) {
		if p.Observed(skill, req.TurnID) {
			delete(observed, skill)
			continue
		}
		p.Observe(skill, req.TurnID)
		d.skills = append(d.skills, skill)
	}

	if len(observed) > 0 {
		p.Proficiency = s.merge(p.Proficiency, observed)
		d.changed = true
	}

	for _, c := range req.Retried {
		if c.TurnID == "" || c.TurnID == req.TurnID || p.Observed(SkillGrammar, c.TurnID) {
			continue
		}

		p.Observe(SkillGrammar, c.TurnID)
		p.Proficiency = s.merge(p.Proficiency, map[string]float64{SkillGrammar: 1 / float64(1+c.Edits)})
		if !slices.Contains(d.skills, SkillGrammar) {
			d.skills = append(d.skills, SkillGrammar)
		}
		d.changed = true
	}

	return d
}

func (s *Service) knownInterest(known []string, candidate string, vectors map[string][]float32) bool {
	key := graph.NormalizeKey(candidate)
	if slices.ContainsFunc(known, func(k string) bool { return graph.NormalizeKey(k) == key }) {
		return true
	}

	cv, ok := vectors[key]
	if !ok {
		return false
	}

	for _, k := range known {
		if kv, ok := vectors[graph.NormalizeKey(k)]; ok && cosine(cv, kv) >= s.opts.SimilarityThreshold {
			return true
		}
	}

	return false
}

// embedCandidates embeds new interests together with the known ones so
// near duplicates ("soccer" vs "football") can be matched. Failures only
// disable semantic matching for this upsert.
func (s *Service) embedCandidates(ctx context.Context, userID string, ex *Extraction) map[string][]float32 {
	if ex == nil || len(ex.Interests) == 0 || s.embedder == nil || !s.embedder.CanEmbed() {
		return nil
	}

	current, err := s.store.Get(ctx, userID)
	if err != nil || len(current.Interests) == 0 {
		return nil
	}

	texts := pie.Unique(pie.Map(append(slices.Clone(current.Interests), ex.Interests...), graph.NormalizeKey))

	vectors, err := failure.Call(ctx, "memory.embed", s.opts.ExtractionTimeout, func(ctx context.Context) ([][]float32, error) {
		return s.embedder.Embed(ctx, texts)
	})
	if err != nil {
		mylog.FromContext(ctx).Warn("Semantic dedup unavailable", "error", err)
		return nil
	}

	if len(vectors) != len(texts) {
		mylog.FromContext(ctx).Warn("Semantic dedup unavailable",
			"error", fmt.Sprintf("embedder returned %d vectors for %d texts", len(vectors), len(texts)),
		)
		return nil
	}

	result := make(map[string][]float32, len(texts))
	for i, text := range texts {
		result[text] = vectors[i]
	}

	return result
}

func (s *Service) newGrammar(ctx context.Context, req Request) ([]profile.GrammarEntry, error) {
	facts := slices.Clone(req.Retried)
	if req.Correction != nil {
		facts = append(facts, *req.Correction)
	}

	var entries []profile.GrammarEntry
	seen := map[string]bool{}

	for _, c := range facts {
		if c.Edits == 0 || graph.NormalizeKey(c.Original) == graph.NormalizeKey(c.Corrected) {
			continue
		}

		key := profile.ContentKey(c.Original, c.Corrected)
		if seen[key] {
			continue
		}
		seen[key] = true

		stored, err := s.store.HasGrammar(ctx, req.UserID, key)
		if err != nil {
			return nil, err
		}
		if stored {
			continue
		}

		entries = append(entries, profile.GrammarEntry{
			ThreadID:    req.ThreadID,
			TurnID:      graph.KeepNonEmpty(req.TurnID, c.TurnID),
			Original:    c.Original,
			Corrected:   c.Corrected,
			Explanation: c.Explanation,
		})
	}

	return entries, nil
}

// Describe renders a profile for prompts.
func Describe(p *profile.Profile) string {
	if p == nil || (p.Name == "" && p.Location == "" && len(p.Interests) == 0 && len(p.Proficiency) == 0) {
		return "Nothing known yet"
	}

	var b strings.Builder

	if p.Name != "" {
		b.WriteString("Name: " + p.Name + "\n")
	}
	if p.Location != "" {
		b.WriteString("Location: " + p.Location + "\n")
	}
	if len(p.Interests) > 0 {
		b.WriteString("Interests: " + strings.Join(p.Interests, ", ") + "\n")
	}
	for _, skill := range pie.Sort(pie.Keys(p.Proficiency)) {
		b.WriteString(fmt.Sprintf("Skill %s: %.2f\n", skill, p.Proficiency[skill]))
	}

	return strings.TrimSpace(b.String())
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}

	if na == 0 || nb == 0 {
		return 0
	}

	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
