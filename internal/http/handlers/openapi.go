package handlers

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"html/template"
	"net/http"
)

//go:embed openapi.json
var openAPIDocument []byte

var (
	openAPIETag = func() string {
		sum := sha256.Sum256(openAPIDocument)
		return `"` + hex.EncodeToString(sum[:8]) + `"`
	}()
	docsPage = renderDocsPage()
)

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}} {{.Version}}</title>
<style>body{margin:0}redoc{display:block;height:100vh}</style>
</head>
<body>
<redoc spec-url="{{.DocumentURL}}"></redoc>
<script src="https://cdn.jsdelivr.net/npm/redoc@2.2.0/bundles/redoc.standalone.js"></script>
</body>
</html>`))

func renderDocsPage() []byte {
	var doc struct {
		Info struct {
			Title   string `json:"title"`
			Version string `json:"version"`
		} `json:"info"`
	}
	if err := json.Unmarshal(openAPIDocument, &doc); err != nil {
		panic("handlers: embedded openapi.json is invalid: " + err.Error())
	}
	var buf bytes.Buffer
	err := docsTemplate.Execute(&buf, map[string]string{
		"Title":       doc.Info.Title,
		"Version":     doc.Info.Version,
		"DocumentURL": "/v1/openapi.json",
	})
	if err != nil {
		panic("handlers: render docs page: " + err.Error())
	}
	return buf.Bytes()
}

// OpenAPIJSON serves the embedded API description with an ETag so the docs
// page does not refetch it on every load.
func (a *App) OpenAPIJSON(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", openAPIETag)
	w.Header().Set("Cache-Control", "public, max-age=300")
	if r.Header.Get("If-None-Match") == openAPIETag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(openAPIDocument)
}

func (a *App) OpenAPIDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(docsPage)
}
