package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
)

// WebhookExporter posts the document to an external service that stores it
// and answers with {"url": "..."}.
type WebhookExporter struct {
	endpoint string
	client   *http.Client
}

func NewWebhookExporter(endpoint string, timeout time.Duration) *WebhookExporter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &WebhookExporter{endpoint: endpoint, client: &http.Client{Timeout: timeout}}
}

type webhookRequest struct {
	Title      string                `json:"title"`
	Label      string                `json:"label"`
	Date       string                `json:"date"`
	Folder     string                `json:"folder,omitempty"`
	IdentityID string                `json:"identity_id"`
	SessionID  string                `json:"session_id"`
	Transcript string                `json:"transcript"`
	Notes      protocol.NoteSections `json:"notes"`
	Document   string                `json:"document"`
}

type webhookResponse struct {
	URL string `json:"url"`
}

func (e *WebhookExporter) Export(ctx context.Context, doc Document) (string, error) {
	body, err := json.Marshal(webhookRequest{
		Title:      DocumentTitle(doc.Title, doc.Date),
		Label:      doc.Title,
		Date:       doc.Date,
		Folder:     doc.Folder,
		IdentityID: doc.IdentityID,
		SessionID:  doc.SessionID,
		Transcript: doc.Transcript,
		Notes:      doc.Notes.Normalize(),
		Document:   Render(doc),
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("export webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("export webhook returned status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode export response: %w", err)
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", errors.New("export webhook returned no url")
	}
	return out.URL, nil
}
