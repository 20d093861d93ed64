package normalize

import (
	"net/url"
	"regexp"
	"strings"
)

const snippetLimit = 512

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)((?:api[_-]?key|access[_-]?token|token|key|secret)["']?\s*[:=]\s*["']?)[^"'&\s,}]+`),
	regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`),
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{8,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{20,}`),
}

// redact masks credentials that upstreams occasionally echo back.
func redact(s string) string {
	for _, re := range secretPatterns {
		if re.NumSubexp() > 0 {
			s = re.ReplaceAllString(s, "${1}[REDACTED]")
			continue
		}
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// snippet returns a redacted prefix of raw suitable for error messages.
func snippet(raw string) string {
	raw = redact(strings.TrimSpace(raw))
	if len(raw) > snippetLimit {
		raw = raw[:snippetLimit] + "..."
	}
	return raw
}

func redactURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return redact(raw)
	}
	q := u.Query()
	for key := range q {
		switch strings.ToLower(key) {
		case "key", "api_key", "apikey", "token", "access_token", "signature", "x-amz-signature", "sig":
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.Redacted()
}
