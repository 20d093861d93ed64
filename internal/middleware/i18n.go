package middleware

import (
	"context"
	"net/http"
	"strings"

	"golang.org/x/text/language"
)

type localeContextKey struct{}

var LocaleKey = localeContextKey{}

// supportedLocales are the languages failure messages are written in. The
// first entry is the matcher's default.
var supportedLocales = []language.Tag{language.English, language.Indonesian}

var localeMatcher = language.NewMatcher(supportedLocales)

// countryHeaders are set by the CDN in front of the API.
var countryHeaders = []string{"X-Country-Code", "CF-IPCountry", "X-Appengine-Country"}

// CountryResolver looks up the ISO country of a client address.
type CountryResolver interface {
	CountryCode(ip string) (string, error)
}

// Locale stores the request locale ("id" or "en") in the context. countries
// may be nil; when set it is asked about the client IP before falling back to
// defaultLocale.
func Locale(defaultLocale string, countries CountryResolver) func(http.Handler) http.Handler {
	fallback := matchLocale(defaultLocale)
	if fallback == "" {
		fallback = "en"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), LocaleKey, detectLocale(r, fallback, countries))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func detectLocale(r *http.Request, fallback string, countries CountryResolver) string {
	if v := matchLocale(r.Header.Get("X-Locale")); v != "" {
		return v
	}
	if v := matchLocale(r.Header.Get("Accept-Language")); v != "" {
		return v
	}
	for _, key := range countryHeaders {
		if country := strings.TrimSpace(r.Header.Get(key)); country != "" {
			return countryLocale(country)
		}
	}
	if countries != nil {
		if country, err := countries.CountryCode(ClientIP(r)); err == nil && country != "" {
			return countryLocale(country)
		}
	}
	return fallback
}

func countryLocale(country string) string {
	if strings.EqualFold(country, "ID") {
		return "id"
	}
	return "en"
}

// matchLocale maps a language preference list onto a supported locale. It
// returns "" when nothing in the list is close enough.
func matchLocale(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return ""
	}
	_, idx, conf := localeMatcher.Match(tags...)
	if conf == language.No {
		return ""
	}
	base, _ := supportedLocales[idx].Base()
	return base.String()
}

func LocaleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LocaleKey).(string); ok {
		return v
	}
	return "en"
}
