// Package zip bundles edited images into a single download.
package zip

import (
	"archive/zip"
	"bytes"
	"fmt"
	"time"
)

type Asset struct {
	Filename string
	Data     []byte
}

// ArchiveAssets writes assets into an in-memory zip. Filenames must be unique.
func ArchiveAssets(assets []Asset, modified time.Time) ([]byte, error) {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	seen := make(map[string]struct{}, len(assets))
	for _, asset := range assets {
		if _, dup := seen[asset.Filename]; dup {
			return nil, fmt.Errorf("zip: duplicate filename %q", asset.Filename)
		}
		seen[asset.Filename] = struct{}{}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     asset.Filename,
			Method:   zip.Store,
			Modified: modified,
		})
		if err != nil {
			return nil, fmt.Errorf("zip: create %s: %w", asset.Filename, err)
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil, fmt.Errorf("zip: write %s: %w", asset.Filename, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("zip: close: %w", err)
	}
	return buf.Bytes(), nil
}
