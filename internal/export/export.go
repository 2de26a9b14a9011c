package export

import (
	"context"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// Document is everything needed to publish a session's notes.
type Document struct {
	Title      string
	Date       string
	Folder     string
	IdentityID string
	SessionID  string
	Transcript string
	Notes      protocol.NoteSections
}

// Exporter publishes a document and returns where it can be opened.
type Exporter interface {
	Export(ctx context.Context, doc Document) (string, error)
}

// New builds the configured exporter. Mode "none" yields a nil Exporter.
func New(cfg config.ExportConfig) (Exporter, error) {
	switch cfg.Mode {
	case "none", "":
		return nil, nil
	case "file":
		return NewFileExporter(cfg.Directory), nil
	case "webhook":
		return NewWebhookExporter(cfg.WebhookURL, 0), nil
	default:
		return nil, fmt.Errorf("unknown export mode %q", cfg.Mode)
	}
}

// DocumentTitle is the title shown for exported notes.
func DocumentTitle(label, date string) string {
	return label + " - " + date
}

// Render lays notes out as plain text: a header line, one upper-cased block
// per section with bulleted entries, then the refined transcript.
func Render(doc Document) string {
	var b strings.Builder
	b.WriteString(DocumentTitle(doc.Title, doc.Date))
	b.WriteString("\n\n")
	section := func(title string, items []string) {
		b.WriteString(strings.ToUpper(title))
		b.WriteString("\n")
		for _, item := range items {
			b.WriteString("• ")
			b.WriteString(item)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	section("Introduction", doc.Notes.Introduction)
	section("Key Concepts", doc.Notes.KeyConcepts)
	section("Explanations", doc.Notes.Explanations)
	section("Definitions", doc.Notes.Definitions)
	section("Summary", doc.Notes.Summary)
	section("Potential Exam Questions", doc.Notes.ExamQuestions)
	b.WriteString("REFINED TRANSCRIPT\n")
	b.WriteString(doc.Transcript)
	return b.String()
}
