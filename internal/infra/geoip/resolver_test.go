package geoip

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestOpenEmptyPathDisables(t *testing.T) {
	r, err := Open("  ")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r != nil {
		t.Fatalf("expected nil resolver for empty path")
	}
	if _, err := r.CountryCode("1.1.1.1"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("nil resolver lookup err = %v, want ErrUnavailable", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("nil resolver Close: %v", err)
	}
}

func TestOpenMissingDatabase(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing.mmdb")); err == nil {
		t.Fatalf("expected error for missing database")
	}
}
