package domain

import (
	"bytes"
	"encoding/base64"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
)

// DefaultMimeType is assumed whenever an upstream does not say otherwise.
const DefaultMimeType = "image/png"

// Encoding enumerates how an artifact payload is carried.
type Encoding string

const (
	EncodingURL    Encoding = "url"
	EncodingBase64 Encoding = "base64"
)

// ImageArtifact is one resolved, directly usable image.
type ImageArtifact struct {
	Encoding Encoding `json:"encoding"`
	Payload  string   `json:"payload"`
	MimeType string   `json:"mime_type"`
}

// NewBase64Artifact wraps already encoded data. It returns false when data is
// empty so callers never emit an artifact without a payload.
func NewBase64Artifact(data, mime string) (ImageArtifact, bool) {
	data = strings.TrimSpace(data)
	if data == "" {
		return ImageArtifact{}, false
	}
	return ImageArtifact{Encoding: EncodingBase64, Payload: data, MimeType: NormalizeMimeType(mime)}, true
}

// NewURLArtifact wraps a remote image reference.
func NewURLArtifact(url, mime string) (ImageArtifact, bool) {
	url = strings.TrimSpace(url)
	if url == "" {
		return ImageArtifact{}, false
	}
	return ImageArtifact{Encoding: EncodingURL, Payload: url, MimeType: NormalizeMimeType(mime)}, true
}

// ParseSource accepts a remote URL or a base64 data URL.
func ParseSource(src string) (ImageArtifact, bool) {
	src = strings.TrimSpace(src)
	if rest, ok := strings.CutPrefix(src, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found || !strings.HasSuffix(meta, ";base64") {
			return ImageArtifact{}, false
		}
		return NewBase64Artifact(data, strings.TrimSuffix(meta, ";base64"))
	}
	return NewURLArtifact(src, "")
}

// Bytes decodes a base64 payload. URL artifacts yield nil.
func (a ImageArtifact) Bytes() ([]byte, error) {
	if a.Encoding != EncodingBase64 {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(a.Payload)
}

// StoreMode selects the representation a caller persists.
type StoreMode int

const (
	StoreURL StoreMode = iota
	StoreBase64
)

// StoredArtifact is the persisted/returned shape: either {url, width, height}
// or {b64_json}.
type StoredArtifact struct {
	URL     string `json:"url,omitempty"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	B64JSON string `json:"b64_json,omitempty"`
}

// Stored projects the artifact onto the caller-facing shape. Base64 artifacts
// asked for in URL mode become data URLs carrying decoded dimensions.
func (a ImageArtifact) Stored(mode StoreMode) StoredArtifact {
	if a.Encoding == EncodingURL {
		return StoredArtifact{URL: a.Payload}
	}
	if mode == StoreBase64 {
		return StoredArtifact{B64JSON: a.Payload}
	}
	out := StoredArtifact{URL: "data:" + NormalizeMimeType(a.MimeType) + ";base64," + a.Payload}
	if data, err := a.Bytes(); err == nil {
		out.Width, out.Height = DecodeImageDimensions(data)
	}
	return out
}

// DecodeImageDimensions reads the image header only. Unknown formats yield 0x0.
func DecodeImageDimensions(data []byte) (int, int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// NormalizeMimeType lowercases mime types, maps image/jpg onto image/jpeg and
// falls back to image/png for anything that is not an image type.
func NormalizeMimeType(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if idx := strings.Index(mime, ";"); idx >= 0 {
		mime = strings.TrimSpace(mime[:idx])
	}
	switch mime {
	case "image/jpg":
		return "image/jpeg"
	case "":
		return DefaultMimeType
	}
	if strings.HasPrefix(mime, "image/") {
		return mime
	}
	return DefaultMimeType
}
