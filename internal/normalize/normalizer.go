// Package normalize turns heterogeneous upstream image-generation responses
// into directly usable image artifacts.
package normalize

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"studio/internal/domain"
	"studio/internal/stream"
)

const (
	defaultRetryDelay  = 500 * time.Millisecond
	defaultConcurrency = 4
)

// Options configures a Normalizer.
type Options struct {
	Fetcher     Fetcher
	HTTPClient  *http.Client
	Logger      *zerolog.Logger
	RetryDelay  time.Duration
	Concurrency int
	Matchers    []Matcher
}

// Normalizer extracts image artifacts from decoded payloads. It holds no
// per-call state and is safe for concurrent use.
type Normalizer struct {
	fetcher     Fetcher
	logger      zerolog.Logger
	retryDelay  time.Duration
	concurrency int
	matchers    []Matcher
}

// New builds a Normalizer. Without a Fetcher it downloads with HTTPClient (or
// a default client).
func New(opts Options) *Normalizer {
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = NewHTTPFetcher(opts.HTTPClient)
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	matchers := opts.Matchers
	if len(matchers) == 0 {
		matchers = DefaultMatchers()
	}
	return &Normalizer{
		fetcher:     fetcher,
		logger:      logger,
		retryDelay:  retryDelay,
		concurrency: concurrency,
		matchers:    matchers,
	}
}

// NoImageError is returned when no fragment yields an artifact.
type NoImageError struct {
	Snippet   string
	Fragments int
	Failures  []error
}

func (e *NoImageError) Error() string {
	msg := fmt.Sprintf("normalize: no image found in %d fragment(s)", e.Fragments)
	if len(e.Failures) > 0 {
		msg += fmt.Sprintf(" (%d failed)", len(e.Failures))
	}
	if e.Snippet != "" {
		msg += ": " + e.Snippet
	}
	return msg
}

func (e *NoImageError) Is(target error) bool {
	return target == domain.ErrNoImageFound
}

func (e *NoImageError) Unwrap() []error {
	return e.Failures
}

// Extract returns every artifact found in payload, in fragment order.
func (n *Normalizer) Extract(ctx context.Context, payload []byte) ([]domain.ImageArtifact, error) {
	return n.extractFragments(ctx, Fragments(payload), string(payload))
}

// ExtractText treats text as a single fragment, e.g. the aggregated deltas of
// a completed stream.
func (n *Normalizer) ExtractText(ctx context.Context, text string) ([]domain.ImageArtifact, error) {
	var frags []Fragment
	if strings.TrimSpace(text) != "" {
		frags = []Fragment{{Source: "text", Text: text}}
	}
	return n.extractFragments(ctx, frags, text)
}

// Resolve converts an artifact reported mid-stream into an ImageArtifact.
func (n *Normalizer) Resolve(ctx context.Context, partial stream.PartialArtifact) (domain.ImageArtifact, error) {
	var frag Fragment
	switch {
	case strings.TrimSpace(partial.Data) != "":
		frag = Fragment{Source: "stream", Inline: &InlineData{MimeType: partial.MimeType, Data: partial.Data}}
	case strings.TrimSpace(partial.URL) != "":
		frag = Fragment{Source: "stream", Text: strings.TrimSpace(partial.URL), MimeHint: partial.MimeType}
	default:
		return domain.ImageArtifact{}, &NoImageError{}
	}
	arts, err := n.extractFragments(ctx, []Fragment{frag}, partial.URL)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	return arts[0], nil
}

// FromStream picks the image of a completed stream: the first artifact event
// that resolves, otherwise whatever the aggregated text points at.
func (n *Normalizer) FromStream(ctx context.Context, res stream.Result) (domain.ImageArtifact, error) {
	for _, partial := range res.Artifacts {
		artifact, err := n.Resolve(ctx, partial)
		if err != nil {
			if ctx.Err() != nil {
				return domain.ImageArtifact{}, fmt.Errorf("normalize: %w: %w", domain.ErrCancelled, ctx.Err())
			}
			n.logger.Warn().Err(err).Msg("normalize: stream artifact unusable")
			continue
		}
		return artifact, nil
	}
	artifacts, err := n.ExtractText(ctx, res.Text)
	if err != nil {
		return domain.ImageArtifact{}, err
	}
	return artifacts[0], nil
}

func (n *Normalizer) extractFragments(ctx context.Context, frags []Fragment, raw string) ([]domain.ImageArtifact, error) {
	results := make([][]domain.ImageArtifact, len(frags))
	failures := make([]error, len(frags))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for i, frag := range frags {
		g.Go(func() error {
			arts, err := n.extractOne(gctx, frag)
			if err != nil {
				n.logger.Debug().Err(err).Str("fragment", frag.Source).Msg("normalize: fragment extraction failed")
				failures[i] = fmt.Errorf("%s: %w", frag.Source, err)
				return nil
			}
			results[i] = arts
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCancelled, err)
	}

	var (
		out  []domain.ImageArtifact
		errs []error
	)
	for i := range frags {
		out = append(out, results[i]...)
		if failures[i] != nil {
			errs = append(errs, failures[i])
		}
	}
	if len(out) == 0 {
		return nil, &NoImageError{Snippet: snippet(raw), Fragments: len(frags), Failures: errs}
	}
	return out, nil
}

// extractOne runs the matchers in order. A matcher that errors does not stop
// later matchers from trying the same fragment.
func (n *Normalizer) extractOne(ctx context.Context, frag Fragment) ([]domain.ImageArtifact, error) {
	var errs []error
	for _, m := range n.matchers {
		if !m.Match(frag) {
			continue
		}
		arts, err := m.Extract(ctx, n, frag)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		if len(arts) > 0 {
			return arts, nil
		}
	}
	return nil, errors.Join(errs...)
}
