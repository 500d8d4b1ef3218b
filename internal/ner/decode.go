// Package ner turns a labeled token stream into cleaned entities.
//
// Decode implements BIO decoding: a B-<T> label opens a span, I-<T> extends
// an open span of the same type, and O (or any unrecognized label) closes
// it. Clean filters and normalizes the decoded spans.
package ner

import (
	"strings"

	"nerd/internal/model"
)

// specialTokens are sequence markers emitted by common tokenizers. They never
// start or extend a span, whatever their label.
var specialTokens = map[string]struct{}{
	"<s>":    {},
	"</s>":   {},
	"<pad>":  {},
	"<unk>":  {},
	"<mask>": {},
	"[CLS]":  {},
	"[SEP]":  {},
	"[PAD]":  {},
	"[UNK]":  {},
	"[MASK]": {},
}

// IsSpecialToken reports whether text is a reserved tokenizer marker.
func IsSpecialToken(text string) bool {
	_, ok := specialTokens[text]
	return ok
}

type labelKind int

const (
	labelOutside labelKind = iota
	labelBegin
	labelInside
)

// parseLabel splits a BIO label into its kind and entity type. Anything that
// is not a well-formed B-/I- label decodes to the null class.
func parseLabel(label string) (labelKind, string) {
	if len(label) > 2 && label[1] == '-' {
		switch label[0] {
		case 'B':
			return labelBegin, label[2:]
		case 'I':
			return labelInside, label[2:]
		}
	}
	return labelOutside, ""
}

// Decoder converts token streams to raw spans. The zero value merges
// confidences with MinConfidence.
type Decoder struct {
	Merge MergePolicy
}

// Decode runs the BIO scan over tokens. Span indices are positions in tokens;
// special tokens are skipped but still occupy their position.
func (d Decoder) Decode(tokens []model.Token) []model.RawSpan {
	merge := d.Merge
	if merge == nil {
		merge = MinConfidence
	}

	spans := make([]model.RawSpan, 0)
	var (
		open    bool
		cur     model.RawSpan
		merged  int
		builder strings.Builder
	)

	closeSpan := func() {
		if !open {
			return
		}
		cur.Text = builder.String()
		spans = append(spans, cur)
		open = false
		builder.Reset()
	}

	for i, tok := range tokens {
		if IsSpecialToken(tok.Text) {
			continue
		}

		kind, typ := parseLabel(tok.Label)
		switch kind {
		case labelBegin:
			closeSpan()
			open = true
			merged = 1
			cur = model.RawSpan{
				Type:       typ,
				Confidence: tok.Confidence,
				StartIndex: i,
				EndIndex:   i,
			}
			builder.WriteString(tok.Text)
		case labelInside:
			// I- without a matching open span is inert.
			if !open || cur.Type != typ {
				continue
			}
			builder.WriteByte(' ')
			builder.WriteString(tok.Text)
			cur.EndIndex = i
			cur.Confidence = merge(cur.Confidence, merged, tok.Confidence)
			merged++
		default:
			closeSpan()
		}
	}
	closeSpan()

	return spans
}

// Decode is a convenience for Decoder{}.Decode.
func Decode(tokens []model.Token) []model.RawSpan {
	return Decoder{}.Decode(tokens)
}
