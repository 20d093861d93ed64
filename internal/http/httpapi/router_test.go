package httpapi

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"studio/internal/http/handlers"
	"studio/internal/infra"
	"studio/internal/session"
)

func newTestRouter(limit int) http.Handler {
	return newTestRouterWithStorage(limit, "")
}

func newTestRouterWithStorage(limit int, storagePath string) http.Handler {
	cfg := &infra.Config{
		StoragePath:        storagePath,
		DefaultLocale:      "id",
		CORSAllowedOrigins: []string{"http://localhost:3000"},
		EditRateLimit:      limit,
	}
	relay := handlers.NewEventRelay(nil)
	app := handlers.NewApp(cfg, nil, nil, session.NewManager(session.ManagerOptions{Publisher: relay}), relay)
	return NewRouter(app, cfg, zerolog.Nop(), nil)
}

func TestRouterHealth(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(10).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}
}

func TestRouterJobsWithoutStore(t *testing.T) {
	h := newTestRouter(10)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/jobs/abc", nil),
		httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{}`)),
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s %s: status = %d, want 503", req.Method, req.URL.Path, rr.Code)
		}
	}
}

func TestRouterRateLimitsEditsPerSession(t *testing.T) {
	h := newTestRouter(1)
	post := func(id string) int {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/edits", strings.NewReader(`{"index":0,"mode":"recut"}`)))
		return rr.Code
	}
	if got := post("s1"); got != http.StatusNotFound {
		t.Fatalf("first edit status = %d, want 404", got)
	}
	if got := post("s1"); got != http.StatusTooManyRequests {
		t.Fatalf("second edit status = %d, want 429", got)
	}
	if got := post("s2"); got != http.StatusNotFound {
		t.Fatalf("other session status = %d, want 404", got)
	}
}

func TestRouterCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/v1/sessions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	newTestRouter(10).ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestRouterServesOpenAPI(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestRouter(10).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "/v1/sessions/{id}/edits") {
		t.Fatalf("openapi document not served: %d", rr.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/openapi.json", nil)
	req.Header.Set("If-None-Match", rr.Header().Get("ETag"))
	cached := httptest.NewRecorder()
	newTestRouter(10).ServeHTTP(cached, req)
	if cached.Code != http.StatusNotModified {
		t.Fatalf("conditional request status = %d, want 304", cached.Code)
	}

	docs := httptest.NewRecorder()
	newTestRouter(10).ServeHTTP(docs, httptest.NewRequest(http.MethodGet, "/v1/docs", nil))
	if !strings.Contains(docs.Body.String(), "<title>Studio Edit API 1.0.0</title>") {
		t.Fatalf("docs page title missing: %s", docs.Body.String())
	}
}

func TestRouterServesStoredArtifacts(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "generated", "j1"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "generated", "j1", "image-01.png"), []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newTestRouterWithStorage(10, dir)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/generated/j1/image-01.png", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "png" {
		t.Fatalf("artifact not served: %d %q", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/files/generated/j1/", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("directory listing status = %d, want 404", rr.Code)
	}
}
