package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"veridoc/config"
)

// Page ist eine erkannte Seite mit extrahiertem Text.
type Page struct {
	Number int
	Text   string
}

// Result ist das Ergebnis einer Dokumenterkennung.
type Result struct {
	Pages []Page
}

// PageCount liefert die Anzahl der erkannten Seiten.
func (r *Result) PageCount() int {
	return len(r.Pages)
}

// Extractor wandelt ein Dokument in seitenweisen Text um.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (*Result, error)
}

// Client ruft die Mistral-OCR-API auf.
type Client struct {
	Config *config.Config
	Logger *zap.Logger

	http *http.Client
}

// NewClient erstellt einen neuen OCR-Client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		Config: cfg,
		Logger: logger,
		http:   &http.Client{Timeout: 180 * time.Second},
	}
}

type ocrRequest struct {
	Model    string      `json:"model"`
	Document ocrDocument `json:"document"`
}

type ocrDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type ocrResponse struct {
	Pages []struct {
		Index    int    `json:"index"`
		Markdown string `json:"markdown"`
	} `json:"pages"`
}

// Extract schickt das Dokument zur Texterkennung und liefert den Text
// pro Seite. Seitennummern sind 1-basiert.
func (c *Client) Extract(ctx context.Context, filename string, data []byte) (*Result, error) {
	encoded := base64.StdEncoding.EncodeToString(data)
	payload, err := json.Marshal(ocrRequest{
		Model: "mistral-ocr-latest",
		Document: ocrDocument{
			Type:        "document_url",
			DocumentURL: "data:application/pdf;base64," + encoded,
		},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Config.MistralOCREndpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.Config.MistralAPIKey)

	c.Logger.Debug("Submitting document for OCR",
		zap.String("filename", filename), zap.Int("bytes", len(data)))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ocr request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ocr request failed: %s", resp.Status)
	}

	var out ocrResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("ocr response: %w", err)
	}
	if len(out.Pages) == 0 {
		return nil, fmt.Errorf("ocr returned no pages for %s", filename)
	}

	result := &Result{Pages: make([]Page, 0, len(out.Pages))}
	for _, p := range out.Pages {
		result.Pages = append(result.Pages, Page{Number: p.Index + 1, Text: p.Markdown})
	}
	return result, nil
}
