package main

import (
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

var (
	// sqlPattern spots string constants that are SQL statements.
	sqlPattern        = regexp.MustCompile(`(?i)^\s*(--sql\b|(select|insert|update|delete|with|create)\s)`)
	uuidMarkerPattern = regexp.MustCompile(`^--sql [0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
)

type marker struct {
	id   string
	file string
	name string
	line int
}

type violation struct {
	file    string
	name    string
	line    int
	message string
}

func main() {
	flag.Parse()
	targets := flag.Args()
	if len(targets) == 0 {
		targets = []string{"."}
	}

	violations, err := lintTargets(targets)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sqllint: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "sqllint: SQL audit marker problems")
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "  %s:%d %s (%s)\n", v.file, v.line, v.message, v.name)
		}
		os.Exit(1)
	}
}

// lintTargets checks every non-test Go file under targets. Besides missing
// markers it reports markers reused by more than one statement, since the
// runner logs queries by marker.
func lintTargets(targets []string) ([]violation, error) {
	var (
		violations []violation
		found      []marker
	)
	visit := func(path string) error {
		vs, ms, err := lintFile(path)
		if err != nil {
			return err
		}
		violations = append(violations, vs...)
		found = append(found, ms...)
		return nil
	}
	for _, target := range targets {
		info, err := os.Stat(target)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if isLintable(target) {
				if err := visit(target); err != nil {
					return nil, err
				}
			}
			continue
		}
		walkErr := filepath.WalkDir(target, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				name := d.Name()
				if path != target && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") || name == "vendor" || name == "node_modules") {
					return filepath.SkipDir
				}
				return nil
			}
			if !isLintable(path) {
				return nil
			}
			return visit(path)
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}

	first := make(map[string]marker, len(found))
	for _, m := range found {
		if prev, dup := first[m.id]; dup {
			violations = append(violations, violation{
				file:    m.file,
				line:    m.line,
				name:    m.name,
				message: fmt.Sprintf("marker %s already used by %s", m.id, prev.name),
			})
			continue
		}
		first[m.id] = m
	}
	return violations, nil
}

func isLintable(path string) bool {
	return filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go")
}

func lintFile(path string) ([]violation, []marker, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, nil, err
	}
	var (
		violations []violation
		markers    []marker
	)
	ast.Inspect(file, func(n ast.Node) bool {
		vs, ok := n.(*ast.ValueSpec)
		if !ok {
			return true
		}
		for _, value := range vs.Values {
			bl, ok := value.(*ast.BasicLit)
			if !ok || bl.Kind != token.STRING {
				continue
			}
			raw, err := unquote(bl.Value)
			if err != nil {
				continue
			}
			if !sqlPattern.MatchString(raw) {
				continue
			}
			head := firstLine(raw)
			pos := fset.Position(bl.Pos())
			if !uuidMarkerPattern.MatchString(head) {
				violations = append(violations, violation{
					file:    path,
					line:    pos.Line,
					name:    joinNames(vs.Names),
					message: "missing or invalid --sql <uuid> marker",
				})
				continue
			}
			markers = append(markers, marker{
				id:   strings.TrimPrefix(head, "--sql "),
				file: path,
				name: joinNames(vs.Names),
				line: pos.Line,
			})
		}
		return true
	})
	return violations, markers, nil
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\n\r \t")
	if idx := strings.IndexAny(s, "\n\r"); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

func unquote(v string) (string, error) {
	if len(v) == 0 {
		return v, nil
	}
	if v[0] == '`' {
		return v[1 : len(v)-1], nil
	}
	return strconv.Unquote(v)
}

func joinNames(idents []*ast.Ident) string {
	parts := make([]string, 0, len(idents))
	for _, ident := range idents {
		if ident == nil {
			continue
		}
		parts = append(parts, ident.Name)
	}
	return strings.Join(parts, ",")
}
