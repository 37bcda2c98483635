package skills

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"

	"github.com/okabe/himari/internal/observability"
)

// Ranker reorders candidate skills by relevance to the prompt, returning
// skill names best-first. Production wires an LLM here; a nil Ranker keeps
// selection purely heuristic and reproducible.
type Ranker interface {
	Rank(ctx context.Context, prompt string, candidates []Doc, max int) ([]string, error)
}

// Selector picks the active skill set for one prompt.
type Selector struct {
	CandidateLimit  int
	MaxActiveSkills int
	Ranker          Ranker
}

// Select chooses up to MaxActiveSkills skills (on top of always-active ones)
// from the catalog for this prompt. Deterministic for a fixed catalog and
// prompt when no Ranker is configured.
func (s *Selector) Select(ctx context.Context, prompt string, all []Doc) ActiveSet {
	var alwaysActive, selectable []Doc
	for _, doc := range all {
		if doc.AlwaysActive {
			alwaysActive = append(alwaysActive, doc)
		} else {
			selectable = append(selectable, doc)
		}
	}

	candidates := pickCandidates(prompt, selectable, s.CandidateLimit)

	var rankedNames []string
	if s.Ranker != nil && len(candidates) > 0 {
		names, err := s.Ranker.Rank(ctx, prompt, candidates, s.MaxActiveSkills)
		if err != nil {
			log.Warn().Err(err).Msg("skill ranker failed, falling back to heuristic order")
		} else {
			rankedNames = names
		}
	}

	limit := s.MaxActiveSkills + len(alwaysActive)
	selected := make([]Doc, 0, limit)
	selected = append(selected, alwaysActive...)
	seen := make(map[string]struct{}, limit)
	for _, doc := range alwaysActive {
		seen[strings.ToLower(doc.Meta.Name)] = struct{}{}
	}

	byName := make(map[string]Doc, len(candidates))
	for _, doc := range candidates {
		byName[strings.ToLower(doc.Meta.Name)] = doc
	}

	for _, name := range rankedNames {
		if len(selected) >= limit {
			break
		}
		doc, ok := byName[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			continue
		}
		key := strings.ToLower(doc.Meta.Name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		selected = append(selected, doc)
	}

	// heuristic order fills the remainder when the ranker chose nothing
	if len(selected) <= len(alwaysActive) {
		for _, doc := range candidates {
			if len(selected) >= limit {
				break
			}
			key := strings.ToLower(doc.Meta.Name)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			selected = append(selected, doc)
		}
	}

	set := ActiveSet{Selected: selected}
	toolSet := make(map[string]struct{})
	for _, doc := range selected {
		set.SelectedNames = append(set.SelectedNames, doc.Meta.Name)
		for _, tool := range doc.Meta.AllowedTools {
			toolSet[tool] = struct{}{}
		}
	}
	for tool := range toolSet {
		set.AllowedTools = append(set.AllowedTools, tool)
	}
	sort.Strings(set.AllowedTools)

	observability.RecordSkillsSelected(len(set.Selected))
	log.Debug().
		Strs("skills", set.SelectedNames).
		Strs("allowed_tools", set.AllowedTools).
		Msg("skills selected")

	return set
}

// pickCandidates scores every selectable skill against the prompt and keeps
// the best candidateLimit. Ties break on name so the order is stable. When
// nothing scores positive the first candidateLimit skills pass through so a
// ranker still has material to work with.
func pickCandidates(prompt string, selectable []Doc, candidateLimit int) []Doc {
	if candidateLimit <= 0 || len(selectable) == 0 {
		return nil
	}

	promptTokens := tokenize(prompt)

	type scored struct {
		score int
		doc   Doc
	}
	all := make([]scored, 0, len(selectable))
	for _, doc := range selectable {
		all = append(all, scored{score: heuristicScore(promptTokens, doc), doc: doc})
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].doc.Meta.Name < all[j].doc.Meta.Name
	})

	var out []Doc
	for _, sc := range all {
		if len(out) >= candidateLimit {
			break
		}
		if sc.score <= 0 && len(out) > 0 {
			break
		}
		out = append(out, sc.doc)
	}

	if len(out) == 1 && all[0].score <= 0 {
		out = nil
		for _, sc := range all {
			if len(out) >= candidateLimit {
				break
			}
			out = append(out, sc.doc)
		}
	}
	return out
}

func heuristicScore(promptTokens map[string]struct{}, doc Doc) int {
	score := 0
	lowerName := strings.ToLower(doc.Meta.Name)
	lowerDesc := strings.ToLower(doc.Meta.Description)

	joined := make([]string, 0, len(promptTokens))
	for tok := range promptTokens {
		joined = append(joined, tok)
	}
	sort.Strings(joined)
	joinedPrompt := strings.Join(joined, " ")

	for _, trigger := range doc.Meta.Triggers {
		if trigger != "" && strings.Contains(joinedPrompt, trigger) {
			score += 5
		}
	}

	tags := make(map[string]struct{}, len(doc.Meta.Tags))
	for _, tag := range doc.Meta.Tags {
		tags[tag] = struct{}{}
	}

	for tok := range promptTokens {
		if strings.Contains(lowerName, tok) {
			score += 3
		}
		if _, ok := tags[tok]; ok {
			score += 2
		}
		if strings.Contains(lowerDesc, tok) {
			score++
		}
	}
	return score
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		out[f] = struct{}{}
	}
	return out
}
