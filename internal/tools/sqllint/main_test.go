package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLintTargets(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "ok.go", "package q\n\nconst QOk = `--sql 11111111-2222-4333-8444-555555555555\nselect 1;\n`\n\nconst Prompt = \"Place it with care, then update the lighting.\"\n")
	writeFile(t, dir, "missing.go", "package q\n\nconst QMissing = `select * from edit_jobs`\n")
	writeFile(t, dir, "dup.go", "package q\n\nconst QDup = `--sql 11111111-2222-4333-8444-555555555555\nupdate edit_jobs set progress = 1;\n`\n")
	writeFile(t, dir, "skip_test.go", "package q\n\nconst QTest = `select 2`\n")
	writeFile(t, dir, "_examples/x.go", "package x\n\nconst QHidden = `select 3`\n")

	violations, err := lintTargets([]string{dir})
	if err != nil {
		t.Fatalf("lintTargets: %v", err)
	}
	if len(violations) != 2 {
		t.Fatalf("got %d violations, want 2: %+v", len(violations), violations)
	}
	var sawMissing, sawDup bool
	for _, v := range violations {
		switch v.name {
		case "QMissing":
			sawMissing = strings.Contains(v.message, "missing")
		case "QDup", "QOk":
			sawDup = strings.Contains(v.message, "already used")
		}
	}
	if !sawMissing || !sawDup {
		t.Fatalf("unexpected violations %+v", violations)
	}
}

func TestLintSingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "one.go", "package q\n\nvar QBad = \"--sql not-a-uuid\\nselect 1\"\n")
	violations, err := lintTargets([]string{path})
	if err != nil {
		t.Fatalf("lintTargets: %v", err)
	}
	if len(violations) != 1 || violations[0].line != 3 {
		t.Fatalf("unexpected violations %+v", violations)
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("\n  --sql abc  \nselect 1"); got != "--sql abc" {
		t.Fatalf("firstLine = %q", got)
	}
}
