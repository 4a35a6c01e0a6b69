package kitfox

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// OpenFile reads path into a File. The declared MIME type comes from the
// extension and may be wrong; Identify trusts the content first.
func OpenFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("kitfox: open %q: %w", path, err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return File{}, fmt.Errorf("kitfox: stat %q: %w", path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return File{}, fmt.Errorf("kitfox: read %q: %w", path, err)
	}
	return File{
		Name:         filepath.Base(path),
		Data:         data,
		MIMEType:     mime.TypeByExtension(strings.ToLower(filepath.Ext(path))),
		LastModified: stat.ModTime(),
	}, nil
}

// OutputName replaces the extension of name with the one registered for
// format. Unknown formats keep name unchanged.
func OutputName(name, format string) string {
	desc, ok := LookupFormat(format)
	if !ok || desc.Extension == "" {
		return name
	}
	return strings.TrimSuffix(name, filepath.Ext(name)) + "." + desc.Extension
}

// WriteResult writes a successful result into dir under the name of the
// source file with the extension of the result format, and returns the
// path written.
func WriteResult(dir, name string, r TaskResult) (string, error) {
	if !r.Success {
		return "", fmt.Errorf("kitfox: write %q: result failed: %s", name, r.Error)
	}
	path := filepath.Join(dir, OutputName(filepath.Base(name), r.Format))
	if err := os.WriteFile(path, r.Data, 0o644); err != nil {
		return "", fmt.Errorf("kitfox: write %q: %w", path, err)
	}
	return path, nil
}

// WriteTo writes the result bytes to w.
func (r TaskResult) WriteTo(w io.Writer) (int64, error) {
	return bytes.NewReader(r.Data).WriteTo(w)
}
