package export

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// FileExporter writes rendered notes under directory/<identity>/.
type FileExporter struct {
	directory string
}

func NewFileExporter(directory string) *FileExporter {
	return &FileExporter{directory: directory}
}

func (e *FileExporter) Export(ctx context.Context, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := filepath.Join(e.directory, slug(doc.IdentityID, "anonymous"))
	if doc.Folder != "" {
		dir = filepath.Join(dir, slug(doc.Folder, "notes"))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	name := fmt.Sprintf("%s-%s-%s.txt", slug(doc.Title, "untitled"), slug(doc.Date, "undated"), slug(doc.SessionID, "session"))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(Render(doc)), 0o644); err != nil {
		return "", fmt.Errorf("write export: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func slug(value, fallback string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if out == "" {
		return fallback
	}
	return out
}
