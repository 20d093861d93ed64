package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxWalkDepth = 12

// InlineData is an explicitly typed base64 blob, e.g. a Gemini inline_data part.
type InlineData struct {
	MimeType string
	Data     string
}

// Fragment is one candidate piece of response content that may carry an image.
type Fragment struct {
	Source   string
	Text     string
	Inline   *InlineData
	MimeHint string
}

// containerKeys are walked recursively. Order matters only for the order of
// the returned fragments.
var containerKeys = []string{
	"candidates", "content", "parts", "choices", "message", "delta",
	"output", "result", "results", "data", "images",
}

// Fragments splits a decoded payload into candidate fragments. A body that is
// not JSON is returned as a single text fragment.
func Fragments(payload []byte) []Fragment {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return nil
	}
	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return []Fragment{{Source: "body", Text: trimmed}}
	}
	var out []Fragment
	walk(decoded, "$", 0, &out)
	return out
}

func walk(v any, path string, depth int, out *[]Fragment) {
	if depth > maxWalkDepth {
		return
	}
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) != "" {
			*out = append(*out, Fragment{Source: path, Text: t})
		}
	case []any:
		for i, item := range t {
			walk(item, fmt.Sprintf("%s[%d]", path, i), depth+1, out)
		}
	case map[string]any:
		walkObject(t, path, depth, out)
	}
}

func walkObject(m map[string]any, path string, depth int, out *[]Fragment) {
	for _, key := range []string{"inline_data", "inlineData"} {
		inline, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		*out = append(*out, Fragment{
			Source: path + "." + key,
			Inline: &InlineData{
				MimeType: stringField(inline, "mime_type", "mimeType"),
				Data:     stringField(inline, "data"),
			},
		})
	}
	if b64 := stringField(m, "b64_json", "image_base64"); b64 != "" {
		*out = append(*out, Fragment{
			Source: path + ".b64_json",
			Inline: &InlineData{MimeType: stringField(m, "mime_type", "mimeType"), Data: b64},
		})
	}
	for _, key := range []string{"file_data", "fileData"} {
		file, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		if uri := stringField(file, "file_uri", "fileUri"); uri != "" {
			*out = append(*out, Fragment{
				Source:   path + "." + key,
				Text:     uri,
				MimeHint: stringField(file, "mime_type", "mimeType"),
			})
		}
	}
	for _, key := range []string{"url", "image", "image_url"} {
		switch ref := m[key].(type) {
		case string:
			if strings.TrimSpace(ref) != "" {
				*out = append(*out, Fragment{Source: path + "." + key, Text: strings.TrimSpace(ref)})
			}
		case map[string]any:
			if u := stringField(ref, "url"); u != "" {
				*out = append(*out, Fragment{Source: path + "." + key + ".url", Text: u})
			}
		}
	}
	if text, ok := m["text"].(string); ok && strings.TrimSpace(text) != "" {
		*out = append(*out, Fragment{Source: path + ".text", Text: text})
	}
	for _, key := range containerKeys {
		if child, ok := m[key]; ok {
			walk(child, path+"."+key, depth+1, out)
		}
	}
}

func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
