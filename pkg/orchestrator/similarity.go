package orchestrator

import (
	"regexp"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

type SimilarityFocus string

const (
	FocusOverall  SimilarityFocus = "overall"
	FocusEnd      SimilarityFocus = "end"
	FocusWeighted SimilarityFocus = "weighted"
)

var (
	punctuationRe = regexp.MustCompile(`[^\p{L}\p{N}_\s]`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// TextSimilarity scores how alike two utterances are, from 0 to 1, after
// lowercasing and stripping punctuation. The weighted focus leans on the
// trailing words so continuations of the same sentence score high.
type TextSimilarity struct {
	Focus     SimilarityFocus
	TailWords int
	EndWeight float64
}

func NewTextSimilarity(cfg PipelineConfig) *TextSimilarity {
	return &TextSimilarity{
		Focus:     FocusWeighted,
		TailWords: cfg.SimilarityTailWords,
		EndWeight: cfg.SimilarityTailWeight,
	}
}

func normalizeForSimilarity(s string) string {
	s = strings.ToLower(s)
	s = punctuationRe.ReplaceAllString(s, "")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

func lastWords(s string, n int) string {
	words := strings.Fields(s)
	if n > 0 && len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

func runeRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	m := difflib.NewMatcherWithJunk(splitRunes(a), splitRunes(b), false, nil)
	return m.Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// Score returns the similarity of a and b. Text that normalizes to nothing
// is treated as identical to anything.
func (t *TextSimilarity) Score(a, b string) float64 {
	na, nb := normalizeForSimilarity(a), normalizeForSimilarity(b)
	if na == "" || nb == "" {
		return 1
	}
	switch t.Focus {
	case FocusOverall:
		return runeRatio(na, nb)
	case FocusEnd:
		return runeRatio(lastWords(na, t.TailWords), lastWords(nb, t.TailWords))
	default:
		overall := runeRatio(na, nb)
		end := runeRatio(lastWords(na, t.TailWords), lastWords(nb, t.TailWords))
		return (1-t.EndWeight)*overall + t.EndWeight*end
	}
}
