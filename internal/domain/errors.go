package domain

import (
	"errors"
	"strings"
)

var (
	ErrTransport       = errors.New("transport failure")
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("attempt budget exhausted")
	ErrExhausted       = errors.New("job no longer visible upstream")
	ErrMalformedEvent  = errors.New("malformed stream event")
	ErrNoImageFound    = errors.New("no image found")
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrCancelled       = errors.New("cancelled")
	ErrInvalidRequest  = errors.New("invalid request")
)

// UpstreamError carries the failure message reported by a job record or a
// generation stream. The message is surfaced to the merchant verbatim.
type UpstreamError struct {
	JobID   string
	Message string
}

func (e *UpstreamError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = GenericFailureMessage("en")
	}
	if e.JobID == "" {
		return msg
	}
	return "job " + e.JobID + ": " + msg
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamFailure
}

// userMessages are the texts shown for failures that carry no upstream
// message. Earlier entries win when an error wraps several sentinels.
var userMessages = []struct {
	err error
	en  string
	id  string
}{
	{ErrTimeout, "the edit took too long, please try again", "pengeditan terlalu lama, silakan coba lagi"},
	{ErrExhausted, "the edit job is no longer available", "pekerjaan edit sudah tidak tersedia"},
	{ErrNoImageFound, "the model returned no image", "model tidak menghasilkan gambar"},
	{ErrInvalidRequest, "the edit request is invalid", "permintaan edit tidak valid"},
	{ErrTransport, "the image service could not be reached, please try again", "layanan gambar tidak dapat dihubungi, silakan coba lagi"},
}

// UserMessage returns the text a merchant sees for err. Upstream messages are
// passed through verbatim; everything else maps to a short localized text and
// the full error chain stays in the logs.
func UserMessage(err error, locale string) string {
	if err == nil {
		return ""
	}
	var upstream *UpstreamError
	if errors.As(err, &upstream) {
		if msg := strings.TrimSpace(upstream.Message); msg != "" {
			return msg
		}
		return GenericFailureMessage(locale)
	}
	for _, m := range userMessages {
		if errors.Is(err, m.err) {
			if isIndonesian(locale) {
				return m.id
			}
			return m.en
		}
	}
	return GenericFailureMessage(locale)
}

// GenericFailureMessage is used when neither the upstream nor the error kind
// supplies anything more specific.
func GenericFailureMessage(locale string) string {
	if isIndonesian(locale) {
		return "terjadi kesalahan yang tidak diketahui"
	}
	return "unknown error"
}

func isIndonesian(locale string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(locale)), "id")
}
