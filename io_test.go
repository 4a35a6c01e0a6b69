package kitfox

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputName(t *testing.T) {
	assert.Equal(t, "photo.jpg", OutputName("photo.png", "jpeg"))
	assert.Equal(t, "photo.png", OutputName("photo.png", "png"))
	assert.Equal(t, "scan.tiff", OutputName("scan", "tiff"))
	assert.Equal(t, "archive.v2.webp", OutputName("archive.v2.bmp", "webp"))
	assert.Equal(t, "photo.png", OutputName("photo.png", "xcf"))
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Chart.PNG")
	data := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := OpenFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Chart.PNG", f.Name)
	assert.Equal(t, data, f.Data)
	assert.Equal(t, "image/png", f.MIMEType)
	assert.False(t, f.LastModified.IsZero())
	assert.Equal(t, int64(len(data)), f.Identity().Size)

	_, err = OpenFile(filepath.Join(dir, "missing.jpg"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteResult(t *testing.T) {
	dir := t.TempDir()
	r := TaskResult{ID: uuid.New(), Success: true, Data: []byte("encoded"), Format: "jpeg"}

	path, err := WriteResult(dir, "/somewhere/else/photo.png", r)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo.jpg"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, r.Data, got)

	var buf bytes.Buffer
	n, err := r.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "encoded", buf.String())

	_, err = WriteResult(dir, "bad.png", TaskResult{Error: "boom"})
	assert.ErrorContains(t, err, "boom")

	_, err = WriteResult(filepath.Join(dir, "no", "such", "dir"), "x.png", r)
	assert.Error(t, err)
}
