package ner

import (
	"strings"

	"nerd/internal/model"
)

// DefaultThreshold is the minimum confidence an entity must carry.
const DefaultThreshold = 0.5

var leadingMarkers = []string{"▁"}

// Clean filters raw spans into entities, keeping discovery order. A span is
// dropped when its confidence is below threshold or its text is empty after
// whitespace trimming and subword-marker removal. Overlapping spans are kept
// as-is. Clean is idempotent for a fixed threshold.
func Clean(spans []model.RawSpan, threshold float64) []model.Entity {
	out := make([]model.Entity, 0, len(spans))
	for _, s := range spans {
		if s.Confidence < threshold {
			continue
		}
		text := cleanText(s.Text)
		if text == "" {
			continue
		}
		out = append(out, model.Entity{
			Text:       text,
			Type:       s.Type,
			Confidence: s.Confidence,
			StartIndex: s.StartIndex,
			EndIndex:   s.EndIndex,
		})
	}
	return out
}

// Reclean applies Clean to already-cleaned entities.
func Reclean(entities []model.Entity, threshold float64) []model.Entity {
	spans := make([]model.RawSpan, 0, len(entities))
	for _, e := range entities {
		spans = append(spans, model.RawSpan(e))
	}
	return Clean(spans, threshold)
}

// cleanText runs to a fixpoint so that Clean stays idempotent.
func cleanText(text string) string {
	for {
		next := cleanOnce(text)
		if next == text {
			return next
		}
		text = next
	}
}

func cleanOnce(text string) string {
	text = strings.TrimSpace(text)
	// Subword joins inside a merged span: "Nộ@@ i", "Hà ##Nội", "a##b".
	text = strings.ReplaceAll(text, "@@ ", "")
	text = strings.ReplaceAll(text, " ##", "")
	text = strings.ReplaceAll(text, "##", "")
	text = strings.TrimSuffix(text, "@@")
	for _, m := range leadingMarkers {
		text = strings.TrimPrefix(text, m)
	}
	return strings.TrimSpace(text)
}
