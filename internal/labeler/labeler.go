// Package labeler provides the token-labeling collaborator: something that
// turns raw text into BIO-labeled tokens.
package labeler

import (
	"context"
	"strings"

	"nerd/internal/model"
)

// Labeler labels the tokens of text with B-<TYPE>/I-<TYPE>/O tags.
type Labeler interface {
	Label(ctx context.Context, text string) ([]model.Token, error)
}

// Func adapts a function to Labeler.
type Func func(ctx context.Context, text string) ([]model.Token, error)

func (f Func) Label(ctx context.Context, text string) ([]model.Token, error) {
	return f(ctx, text)
}

// Static labels text from a fixed dictionary of phrases. Words of a known
// phrase become B-/I- tokens, everything else is O. It is used for local runs
// and tests where no inference server is available.
type Static struct {
	phrases []phrase
}

type phrase struct {
	words      []string
	typ        string
	confidence float64
}

// NewStatic returns an empty Static labeler.
func NewStatic() *Static { return &Static{} }

// Add registers a phrase of entity type typ. Longer phrases registered
// earlier take precedence when they overlap.
func (s *Static) Add(text, typ string, confidence float64) *Static {
	words := strings.Fields(text)
	if len(words) > 0 {
		s.phrases = append(s.phrases, phrase{words: words, typ: typ, confidence: confidence})
	}
	return s
}

func (s *Static) Label(ctx context.Context, text string) ([]model.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	words := strings.Fields(text)
	tokens := make([]model.Token, 0, len(words))
	for i := 0; i < len(words); {
		p, ok := s.match(words[i:])
		if !ok {
			tokens = append(tokens, model.Token{Text: words[i], Label: "O", Confidence: 1})
			i++
			continue
		}
		for j, w := range words[i : i+len(p.words)] {
			label := "I-" + p.typ
			if j == 0 {
				label = "B-" + p.typ
			}
			tokens = append(tokens, model.Token{Text: w, Label: label, Confidence: p.confidence})
		}
		i += len(p.words)
	}
	return tokens, nil
}

func (s *Static) match(words []string) (phrase, bool) {
	best, found := phrase{}, false
	for _, p := range s.phrases {
		if len(p.words) > len(words) || (found && len(p.words) <= len(best.words)) {
			continue
		}
		ok := true
		for i, w := range p.words {
			if !strings.EqualFold(w, words[i]) {
				ok = false
				break
			}
		}
		if ok {
			best, found = p, true
		}
	}
	return best, found
}
