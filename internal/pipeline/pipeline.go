// Package pipeline chains the extraction stages: BIO decoding, cleaning,
// temporal resolution and recurrence generation.
package pipeline

import (
	"time"

	"nerd/internal/locale"
	appLog "nerd/internal/log"
	"nerd/internal/model"
	"nerd/internal/ner"
	"nerd/internal/recurrence"
	"nerd/internal/temporal"
)

// Options configures a Pipeline. Zero values take the package defaults.
type Options struct {
	Locale      locale.Locale
	Location    *time.Location
	Threshold   float64
	Merge       ner.MergePolicy
	Occurrences int
}

// Pipeline turns labeled tokens into extracted entities. It holds no mutable
// state and is safe for concurrent use.
type Pipeline struct {
	decoder   ner.Decoder
	threshold float64
	resolver  *temporal.Resolver
	detector  *recurrence.Detector
	generator recurrence.Generator
}

// New builds a pipeline from opts.
func New(opts Options) *Pipeline {
	if opts.Locale == "" {
		opts.Locale = locale.Default
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Threshold <= 0 {
		opts.Threshold = ner.DefaultThreshold
	}
	return &Pipeline{
		decoder:   ner.Decoder{Merge: opts.Merge},
		threshold: opts.Threshold,
		resolver:  temporal.NewResolver(opts.Locale, opts.Location),
		detector:  recurrence.NewDetector(opts.Locale),
		generator: recurrence.Generator{Location: opts.Location, Count: opts.Occurrences},
	}
}

// Location returns the zone resolved instants are expressed in.
func (p *Pipeline) Location() *time.Location { return p.resolver.Location() }

// Process runs every stage over tokens with now as the reference instant.
// Output order is the order spans were discovered.
func (p *Pipeline) Process(tokens []model.Token, now time.Time) []model.Extracted {
	out, _ := p.Run(tokens, now)
	return out
}

// Run is Process that also reports whether any instant took its time of day
// from now. Such a result is only valid for the request that produced it.
func (p *Pipeline) Run(tokens []model.Token, now time.Time) ([]model.Extracted, bool) {
	entities := ner.Clean(p.decoder.Decode(tokens), p.threshold)

	out := make([]model.Extracted, 0, len(entities))
	clocked := false
	for _, e := range entities {
		x, step := p.enrich(e, now)
		out = append(out, x)
		clocked = clocked || step.KeepsTimeOfDay()
	}
	return out, clocked
}

func (p *Pipeline) enrich(e model.Entity, now time.Time) (model.Extracted, temporal.Step) {
	resolved, step := p.resolver.ResolveStep(e, now)
	te, ok := resolved.(model.TemporalEntity)
	if !ok {
		return resolved, step
	}

	desc, ok := p.detector.Detect(te.Text)
	if !ok {
		return te, step
	}
	rec, err := p.generator.Generate(desc, te.NormalizedTime)
	if err != nil {
		appLog.Debug("pipeline: recurrence skipped", "text", te.Text, "err", err)
		return te, step
	}
	return model.RecurringEntity{TemporalEntity: te, Recurrence: rec}, step
}
