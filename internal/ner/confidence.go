package ner

import (
	"fmt"
	"strings"
)

// MergePolicy folds the confidence of one more token into a span whose
// current confidence cur already covers n tokens.
type MergePolicy func(cur float64, n int, next float64) float64

// MinConfidence keeps the weakest token's confidence. This is the default:
// a span is only as trustworthy as its least certain token.
func MinConfidence(cur float64, _ int, next float64) float64 {
	if next < cur {
		return next
	}
	return cur
}

// MeanConfidence keeps the running arithmetic mean over merged tokens.
func MeanConfidence(cur float64, n int, next float64) float64 {
	if n <= 0 {
		return next
	}
	return (cur*float64(n) + next) / float64(n+1)
}

// ParseMergePolicy maps a config value ("min", "mean") to a policy.
func ParseMergePolicy(name string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "min":
		return MinConfidence, nil
	case "mean", "avg", "average":
		return MeanConfidence, nil
	default:
		return nil, fmt.Errorf("ner: unknown confidence merge policy %q", name)
	}
}
