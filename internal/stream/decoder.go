// Package stream turns a Server-Sent-Event byte stream from a generation
// backend into ordered, typed events.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"studio/internal/domain"
)

const (
	// DataPrefix marks the only significant lines of the stream.
	DataPrefix = "data:"
	// DoneSentinel terminates the stream explicitly.
	DoneSentinel = "[DONE]"

	defaultReadSize = 4 * 1024
)

// Kind tags an Event.
type Kind string

const (
	KindDelta     Kind = "delta"
	KindArtifact  Kind = "artifact"
	KindDone      Kind = "done"
	KindMalformed Kind = "malformed"
	// KindError is a transport failure; the stream ended abnormally.
	KindError Kind = "error"
	// KindFailed is a failure reported by the backend inside the stream. Err
	// is a *domain.UpstreamError carrying the backend's message.
	KindFailed Kind = "failed"
)

// PartialArtifact is an image reference seen on the stream before it has been
// resolved into a domain.ImageArtifact.
type PartialArtifact struct {
	URL      string
	Data     string
	MimeType string
}

// Event is one decoded stream event. Only the fields relevant to Kind are set.
type Event struct {
	Kind     Kind
	Text     string
	Artifact *PartialArtifact
	Raw      string
	Err      error
}

// Decoder holds the carry-over buffer for one stream. It is not safe for
// concurrent use; every stream gets its own instance.
type Decoder struct {
	buf  []byte
	done bool
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Done reports whether the terminal sentinel has been seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Feed appends chunk to the buffer and returns the events of every complete
// line. A trailing partial line stays buffered until the next chunk.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.buf = append(d.buf, chunk...)
	var events []Event
	for {
		idx := bytes.IndexByte(d.buf, '\n')
		if idx < 0 {
			break
		}
		line := string(d.buf[:idx])
		d.buf = d.buf[idx+1:]
		events = append(events, d.line(line)...)
		if d.done {
			d.buf = nil
			break
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush decodes a trailing line that never received its newline. It is called
// once the source has closed.
func (d *Decoder) Flush() []Event {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	return d.line(line)
}

func (d *Decoder) line(line string) []Event {
	line = strings.TrimRight(line, "\r")
	if !strings.HasPrefix(line, DataPrefix) {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, DataPrefix))
	if payload == "" {
		return nil
	}
	if payload == DoneSentinel {
		d.done = true
		return []Event{{Kind: KindDone}}
	}
	var decoded any
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		return []Event{{Kind: KindMalformed, Raw: payload, Err: fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)}}
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return []Event{{Kind: KindMalformed, Raw: payload, Err: fmt.Errorf("%w: payload is not an object", domain.ErrMalformedEvent)}}
	}
	var events []Event
	if text, ok := textField(obj); ok {
		events = append(events, Event{Kind: KindDelta, Text: text})
	}
	if msg, failed := errorField(obj); failed {
		// A reported failure ends the stream like the sentinel does.
		d.done = true
		return append(events, Event{Kind: KindFailed, Raw: payload, Err: &domain.UpstreamError{Message: msg}})
	}
	if art := artifactField(obj); art != nil {
		events = append(events, Event{Kind: KindArtifact, Artifact: art})
	}
	return events
}

// errorField recognizes {"error":"..."} and {"error":{"message":"..."}}. An
// error object without a usable message still counts as a failure.
func errorField(obj map[string]any) (string, bool) {
	switch v := obj["error"].(type) {
	case string:
		msg := strings.TrimSpace(v)
		return msg, msg != ""
	case map[string]any:
		return firstString(v, "message", "msg", "detail", "status", "code"), true
	}
	return "", false
}

func textField(obj map[string]any) (string, bool) {
	for _, key := range []string{"content", "text", "delta"} {
		if s, ok := obj[key].(string); ok {
			return s, true
		}
	}
	choices, ok := obj["choices"].([]any)
	if !ok {
		return "", false
	}
	var b strings.Builder
	found := false
	for _, c := range choices {
		choice, ok := c.(map[string]any)
		if !ok {
			continue
		}
		delta, ok := choice["delta"].(map[string]any)
		if !ok {
			continue
		}
		if s, ok := delta["content"].(string); ok {
			b.WriteString(s)
			found = true
		}
	}
	return b.String(), found
}

func artifactField(obj map[string]any) *PartialArtifact {
	mime := firstString(obj, "mime_type", "mimeType", "content_type")
	for _, key := range []string{"image_url", "url", "image"} {
		switch v := obj[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return &PartialArtifact{URL: strings.TrimSpace(v), MimeType: mime}
			}
		case map[string]any:
			if u := firstString(v, "url"); u != "" {
				return &PartialArtifact{URL: u, MimeType: mime}
			}
		}
	}
	if data := firstString(obj, "b64_json", "image_base64", "data"); data != "" {
		return &PartialArtifact{Data: data, MimeType: mime}
	}
	return nil
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := obj[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Decode reads r chunk by chunk on its own goroutine and sends the decoded
// events on the returned channel. The channel closes after a done or failed
// event, when r reaches EOF, after a transport error event, or when ctx is
// cancelled.
// Decode closes r if it implements io.Closer.
func Decode(ctx context.Context, r io.Reader) <-chan Event {
	ch := make(chan Event)
	go func() {
		defer close(ch)
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}
		dec := NewDecoder()
		send := func(ev Event) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- ev:
				return true
			}
		}
		buf := make([]byte, defaultReadSize)
		for {
			if ctx.Err() != nil {
				return
			}
			n, err := r.Read(buf)
			if n > 0 {
				for _, ev := range dec.Feed(buf[:n]) {
					if !send(ev) {
						return
					}
				}
				if dec.Done() {
					return
				}
			}
			if err == nil {
				continue
			}
			if errors.Is(err, io.EOF) {
				for _, ev := range dec.Flush() {
					if !send(ev) {
						return
					}
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
			send(Event{Kind: KindError, Err: fmt.Errorf("%w: read stream: %v", domain.ErrTransport, err)})
			return
		}
	}()
	return ch
}

// Result aggregates a fully consumed stream.
type Result struct {
	Text      string
	Artifacts []PartialArtifact
	Malformed []string
}

// Collect drains events until the channel closes. End of channel and a done
// event are treated identically. A transport error or a failure reported by
// the backend is returned together with whatever was collected before it.
func Collect(ctx context.Context, events <-chan Event) (Result, error) {
	var (
		res  Result
		text strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			res.Text = text.String()
			return res, fmt.Errorf("%w: %v", domain.ErrCancelled, ctx.Err())
		case ev, ok := <-events:
			if !ok {
				res.Text = text.String()
				return res, nil
			}
			switch ev.Kind {
			case KindDelta:
				text.WriteString(ev.Text)
			case KindArtifact:
				if ev.Artifact != nil {
					res.Artifacts = append(res.Artifacts, *ev.Artifact)
				}
			case KindMalformed:
				res.Malformed = append(res.Malformed, ev.Raw)
			case KindError, KindFailed:
				res.Text = text.String()
				return res, ev.Err
			case KindDone:
				res.Text = text.String()
				return res, nil
			}
		}
	}
}
