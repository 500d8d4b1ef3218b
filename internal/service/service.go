// Package service implements the two extraction operations on top of the
// labeling collaborator, the result cache and the extraction pipeline.
// Transports own rate limiting, authentication and wire formats.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"nerd/internal/labeler"
	"nerd/internal/locale"
	appLog "nerd/internal/log"
	"nerd/internal/model"
	"nerd/internal/pipeline"
)

// ErrInvalidArgument marks caller input errors: empty text or empty batch.
var ErrInvalidArgument = errors.New("invalid argument")

// DefaultWorkers bounds batch fan-out when nothing else is configured.
const DefaultWorkers = 8

// ResultCache is the subset of the result cache the service uses. Entries
// are scoped to the calendar day of now.
type ResultCache interface {
	Get(ctx context.Context, l locale.Locale, text string, now time.Time) ([]model.Extracted, bool)
	Set(ctx context.Context, l locale.Locale, text string, now time.Time, xs []model.Extracted) error
}

// Options configures a Service.
type Options struct {
	Locale  locale.Locale
	Workers int
	// Cache may be nil.
	Cache ResultCache
}

// Result is the outcome of one extraction.
type Result struct {
	Entities       []model.Extracted
	ProcessingTime time.Duration
	Cached         bool
}

// BatchResult holds per-text results in input order.
type BatchResult struct {
	Results             []Result
	TotalProcessingTime time.Duration
}

// Service runs extractions. It is safe for concurrent use.
type Service struct {
	labeler  labeler.Labeler
	pipeline *pipeline.Pipeline
	cache    ResultCache
	locale   locale.Locale
	workers  int
	now      func() time.Time
}

// New builds a Service over lab and p. Zero options take the defaults.
func New(lab labeler.Labeler, p *pipeline.Pipeline, opts Options) *Service {
	if opts.Locale == "" {
		opts.Locale = locale.Default
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Service{
		labeler:  lab,
		pipeline: p,
		cache:    opts.Cache,
		locale:   opts.Locale,
		workers:  opts.Workers,
		now:      time.Now,
	}
}

// Location is the zone of every instant in results.
func (s *Service) Location() *time.Location { return s.pipeline.Location() }

// Extract runs the full extraction for one text.
func (s *Service) Extract(ctx context.Context, text string) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, errors.Wrap(ErrInvalidArgument, "text must not be empty")
	}
	return s.extract(ctx, text), nil
}

// BatchExtract runs Extract over texts with at most workers running at once;
// workers <= 0 uses the configured default. Any empty text rejects the whole
// batch before work starts.
func (s *Service) BatchExtract(ctx context.Context, texts []string, workers int) (BatchResult, error) {
	if len(texts) == 0 {
		return BatchResult{}, errors.Wrap(ErrInvalidArgument, "batch must not be empty")
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return BatchResult{}, errors.Wrapf(ErrInvalidArgument, "text %d must not be empty", i)
		}
	}
	if workers <= 0 || workers > s.workers {
		workers = s.workers
	}

	start := time.Now()
	results := make([]Result, len(texts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = s.extract(gctx, text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, errors.Wrap(err, "batch extract")
	}

	return BatchResult{Results: results, TotalProcessingTime: time.Since(start)}, nil
}

func (s *Service) extract(ctx context.Context, text string) Result {
	start := time.Now()
	now := s.now()

	if s.cache != nil {
		if xs, ok := s.cache.Get(ctx, s.locale, text, now); ok {
			return Result{Entities: xs, ProcessingTime: time.Since(start), Cached: true}
		}
	}

	tokens, err := s.labeler.Label(ctx, text)
	if err != nil {
		// Not cached: the next request retries the labeler.
		appLog.Error("labeler failed; returning no entities", err, "chars", len(text))
		return Result{Entities: []model.Extracted{}, ProcessingTime: time.Since(start)}
	}

	xs, clocked := s.pipeline.Run(tokens, now)

	// Instants carrying the request's time of day are stale for any later request.
	if s.cache != nil && !clocked {
		_ = s.cache.Set(ctx, s.locale, text, now, xs)
	}
	return Result{Entities: xs, ProcessingTime: time.Since(start)}
}
