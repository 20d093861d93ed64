package zip

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveAssets(t *testing.T) {
	raw, err := ArchiveAssets([]Asset{
		{Filename: "slot-01.png", Data: []byte("one")},
		{Filename: "slot-02.jpg", Data: []byte("two")},
	}, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "slot-01.png", zr.File[0].Name)

	rc, err := zr.File[1].Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestArchiveAssetsRejectsDuplicates(t *testing.T) {
	_, err := ArchiveAssets([]Asset{{Filename: "a.png"}, {Filename: "a.png"}}, time.Now())
	assert.Error(t, err)
}
