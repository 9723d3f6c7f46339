// Package summarize shortens article text for the newsletter body.
package summarize

import (
	"context"
	"strings"
	"unicode"
)

// Summarizer produces a short summary of the given text. Callers treat
// failure as optional enrichment: on error the original text is used
// verbatim.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
}

// Heuristic is a deterministic summarizer that keeps the first sentences of
// the text up to a length cap. It is the default when no external
// summarization service is configured.
type Heuristic struct {
	// MaxLen caps the summary length in runes.
	MaxLen int
}

// NewHeuristic creates a Heuristic with the given rune cap.
func NewHeuristic(maxLen int) *Heuristic {
	if maxLen <= 0 {
		maxLen = 280
	}
	return &Heuristic{MaxLen: maxLen}
}

// Summarize keeps whole leading sentences while they fit the cap, then falls
// back to a hard rune cut with an ellipsis.
func (h *Heuristic) Summarize(_ context.Context, text string) (string, error) {
	text = strings.Join(strings.Fields(text), " ")
	if len([]rune(text)) <= h.MaxLen {
		return text, nil
	}

	var out strings.Builder
	for _, sentence := range splitSentences(text) {
		if out.Len() > 0 && len([]rune(out.String()+" "+sentence)) > h.MaxLen {
			break
		}
		if out.Len() > 0 {
			out.WriteString(" ")
		}
		out.WriteString(sentence)
		if len([]rune(out.String())) > h.MaxLen {
			break
		}
	}

	summary := out.String()
	if runes := []rune(summary); len(runes) > h.MaxLen {
		summary = strings.TrimRightFunc(string(runes[:h.MaxLen-1]), unicode.IsSpace) + "…"
	}
	return summary, nil
}

func splitSentences(text string) []string {
	var sentences []string
	start := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			end := i + 1
			s := strings.TrimSpace(text[start:end])
			if s != "" {
				sentences = append(sentences, s)
			}
			start = end
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}
