package normalize

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"studio/internal/domain"
)

const (
	base64SampleLen = 100
	base64MinLen    = 64
)

var (
	markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(\s*<?([^)\s>]+)>?(?:\s+"[^"]*")?\s*\)`)
	bareURLRe       = regexp.MustCompile(`^https?://\S+$`)
	dataURLRe       = regexp.MustCompile(`data:(image/[a-zA-Z0-9.+-]+);base64,([A-Za-z0-9+/_-]+={0,2})`)
	base64SampleRe  = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)
)

// Matcher recognises one response shape inside a fragment. Match is a cheap
// predicate; Extract may perform network I/O.
type Matcher struct {
	Name    string
	Match   func(f Fragment) bool
	Extract func(ctx context.Context, n *Normalizer, f Fragment) ([]domain.ImageArtifact, error)
}

// DefaultMatchers returns the matchers in priority order. New upstream shapes
// are supported by appending to this list.
func DefaultMatchers() []Matcher {
	return []Matcher{
		{Name: "inline", Match: matchInline, Extract: extractInline},
		{Name: "markdown", Match: matchMarkdown, Extract: extractMarkdown},
		{Name: "url", Match: matchBareURL, Extract: extractBareURL},
		{Name: "data_url", Match: matchDataURL, Extract: extractDataURL},
		{Name: "base64", Match: matchRawBase64, Extract: extractRawBase64},
	}
}

func matchInline(f Fragment) bool {
	return f.Inline != nil
}

func extractInline(_ context.Context, _ *Normalizer, f Fragment) ([]domain.ImageArtifact, error) {
	data := strings.TrimSpace(f.Inline.Data)
	if strings.HasPrefix(data, "data:") {
		return parseDataURLs(data), nil
	}
	art, ok := domain.NewBase64Artifact(data, f.Inline.MimeType)
	if !ok {
		return nil, nil
	}
	return []domain.ImageArtifact{art}, nil
}

func matchMarkdown(f Fragment) bool {
	return f.Text != "" && strings.Contains(f.Text, "![")
}

func extractMarkdown(ctx context.Context, n *Normalizer, f Fragment) ([]domain.ImageArtifact, error) {
	var (
		out  []domain.ImageArtifact
		errs []error
	)
	for _, m := range markdownImageRe.FindAllStringSubmatch(f.Text, -1) {
		link := strings.TrimSpace(m[1])
		if strings.HasPrefix(link, "data:") {
			out = append(out, parseDataURLs(link)...)
			continue
		}
		if !bareURLRe.MatchString(link) {
			continue
		}
		art, err := n.fetchArtifact(ctx, link, f.MimeHint)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, art)
	}
	if len(out) == 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func matchBareURL(f Fragment) bool {
	return bareURLRe.MatchString(strings.TrimSpace(f.Text))
}

func extractBareURL(ctx context.Context, n *Normalizer, f Fragment) ([]domain.ImageArtifact, error) {
	art, err := n.fetchArtifact(ctx, strings.TrimSpace(f.Text), f.MimeHint)
	if err != nil {
		return nil, err
	}
	return []domain.ImageArtifact{art}, nil
}

func matchDataURL(f Fragment) bool {
	return strings.Contains(f.Text, "data:image/")
}

func extractDataURL(_ context.Context, _ *Normalizer, f Fragment) ([]domain.ImageArtifact, error) {
	return parseDataURLs(f.Text), nil
}

func parseDataURLs(text string) []domain.ImageArtifact {
	var out []domain.ImageArtifact
	for _, m := range dataURLRe.FindAllStringSubmatch(text, -1) {
		if art, ok := domain.NewBase64Artifact(m[2], m[1]); ok {
			out = append(out, art)
		}
	}
	return out
}

func compactBase64(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t', ' ':
			return -1
		}
		return r
	}, strings.TrimSpace(text))
}

func matchRawBase64(f Fragment) bool {
	compact := compactBase64(f.Text)
	if len(compact) < base64MinLen {
		return false
	}
	sample := compact
	if len(sample) > base64SampleLen {
		sample = sample[:base64SampleLen]
	}
	return base64SampleRe.MatchString(sample)
}

func extractRawBase64(_ context.Context, _ *Normalizer, f Fragment) ([]domain.ImageArtifact, error) {
	data := compactBase64(f.Text)
	art, ok := domain.NewBase64Artifact(data, sniffBase64Mime(data, f.MimeHint))
	if !ok {
		return nil, nil
	}
	return []domain.ImageArtifact{art}, nil
}

// sniffBase64Mime decodes a short prefix to recognise PNG/JPEG/GIF/WEBP
// signatures. Anything unrecognised keeps the hint or the default.
func sniffBase64Mime(data, hint string) string {
	prefix := data
	if len(prefix) > 64 {
		prefix = prefix[:64]
	}
	raw, err := base64.StdEncoding.DecodeString(prefix[:len(prefix)/4*4])
	if err != nil || len(raw) == 0 {
		return domain.NormalizeMimeType(hint)
	}
	if sniffed := http.DetectContentType(raw); strings.HasPrefix(sniffed, "image/") {
		return sniffed
	}
	return domain.NormalizeMimeType(hint)
}

func (n *Normalizer) fetchArtifact(ctx context.Context, link, hint string) (domain.ImageArtifact, error) {
	data, contentType, err := n.fetchOnceRetried(ctx, link)
	if err != nil {
		return domain.ImageArtifact{}, fmt.Errorf("normalize: fetch %s: %w", redactURL(link), err)
	}
	mime := contentType
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "image/") {
		mime = http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			mime = hint
		}
	}
	art, _ := domain.NewBase64Artifact(base64.StdEncoding.EncodeToString(data), mime)
	return art, nil
}
