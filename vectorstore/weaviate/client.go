package weaviate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veridoc/config"
	"veridoc/vectorstore"
)

// Client ist ein minimaler REST-Client für Weaviate.
// Vektoren werden extern berechnet und mitgeliefert; der eingebaute
// Vectorizer bleibt deaktiviert.
type Client struct {
	Config *config.Config
	Logger *zap.Logger

	baseURL string
	http    *http.Client
}

// NewClient erstellt einen neuen Weaviate-Client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		Config:  cfg,
		Logger:  logger,
		baseURL: strings.TrimRight(cfg.WeaviateURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// className bildet den Collection-Namen für ein Projekt.
func className(projectID uuid.UUID) string {
	return "Project_" + strings.ReplaceAll(projectID.String(), "-", "_")
}

// EnsureCollection legt die Projekt-Collection an, falls sie fehlt.
func (c *Client) EnsureCollection(ctx context.Context, projectID uuid.UUID) error {
	class := className(projectID)

	status, _, err := c.do(ctx, http.MethodGet, "/v1/schema/"+class, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}
	if status == http.StatusOK {
		c.Logger.Debug("Collection already exists", zap.String("class", class))
		return nil
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("weaviate schema check failed with status %d", status)
	}

	textProp := func(name, desc string) map[string]any {
		return map[string]any{"name": name, "dataType": []string{"text"}, "description": desc}
	}
	intProp := func(name, desc string) map[string]any {
		return map[string]any{"name": name, "dataType": []string{"int"}, "description": desc}
	}
	body := map[string]any{
		"class":      class,
		"vectorizer": "none",
		"properties": []map[string]any{
			textProp("content", "Document chunk content"),
			textProp("document_id", "Source document ID"),
			textProp("chunk_id", "Document chunk ID"),
			intProp("page_number", "Page number"),
			intProp("start_char", "Start character position"),
			intProp("end_char", "End character position"),
			textProp("filename", "Source filename"),
			textProp("document_type", "Document type (main/supporting)"),
		},
	}
	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/schema", body)
	if err != nil {
		return fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}
	if status >= 300 {
		return fmt.Errorf("weaviate schema create failed: %d: %s", status, truncate(respBody))
	}
	c.Logger.Info("Created Weaviate collection", zap.String("class", class))
	return nil
}

// Upsert schreibt einen EvidenceRecord samt Vektor und gibt die externe ID zurück.
func (c *Client) Upsert(ctx context.Context, projectID uuid.UUID, record vectorstore.EvidenceRecord, vector []float64) (string, error) {
	body := map[string]any{
		"class": className(projectID),
		"properties": map[string]any{
			"content":       record.Content,
			"document_id":   record.DocumentID,
			"chunk_id":      record.ChunkID,
			"page_number":   record.PageNumber,
			"start_char":    record.StartChar,
			"end_char":      record.EndChar,
			"filename":      record.Filename,
			"document_type": record.DocumentType,
		},
		"vector": vector,
	}
	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/objects", body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}
	if status >= 300 {
		return "", fmt.Errorf("weaviate object create failed: %d: %s", status, truncate(respBody))
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("weaviate object response: %w", err)
	}
	return resp.ID, nil
}

// QueryNearest führt eine Nearest-Neighbor-Abfrage über den Vektor aus.
func (c *Client) QueryNearest(ctx context.Context, projectID uuid.UUID, vector []float64, limit int) ([]vectorstore.QueryHit, error) {
	vec, _ := json.Marshal(vector)
	gql := fmt.Sprintf(
		`{ Get { %s(nearVector: {vector: %s}, limit: %d) { %s } } }`,
		className(projectID), vec, limit, hitFields,
	)
	return c.runQuery(ctx, projectID, gql)
}

// QueryHybrid kombiniert Keyword- und Vektor-Suche mit Blend-Faktor alpha.
func (c *Client) QueryHybrid(ctx context.Context, projectID uuid.UUID, query string, vector []float64, alpha float64, limit int) ([]vectorstore.QueryHit, error) {
	vec, _ := json.Marshal(vector)
	q, _ := json.Marshal(query)
	gql := fmt.Sprintf(
		`{ Get { %s(hybrid: {query: %s, vector: %s, alpha: %g}, limit: %d) { %s } } }`,
		className(projectID), q, vec, alpha, limit, hitFields,
	)
	return c.runQuery(ctx, projectID, gql)
}

// DeleteByDocument löscht alle Records eines Dokuments aus der Projekt-Collection.
func (c *Client) DeleteByDocument(ctx context.Context, projectID, documentID uuid.UUID) error {
	body := map[string]any{
		"match": map[string]any{
			"class": className(projectID),
			"where": map[string]any{
				"path":      []string{"document_id"},
				"operator":  "Equal",
				"valueText": documentID.String(),
			},
		},
	}
	status, respBody, err := c.do(ctx, http.MethodDelete, "/v1/batch/objects", body)
	if err != nil {
		return fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}
	if status >= 300 {
		return fmt.Errorf("weaviate batch delete failed: %d: %s", status, truncate(respBody))
	}
	return nil
}

// DeleteCollection entfernt die gesamte Projekt-Collection.
func (c *Client) DeleteCollection(ctx context.Context, projectID uuid.UUID) error {
	status, respBody, err := c.do(ctx, http.MethodDelete, "/v1/schema/"+className(projectID), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}
	if status >= 300 && status != http.StatusNotFound {
		return fmt.Errorf("weaviate schema delete failed: %d: %s", status, truncate(respBody))
	}
	return nil
}

const hitFields = `content document_id chunk_id page_number start_char end_char filename document_type _additional { distance }`

// graphQLHit bildet ein Objekt der GraphQL-Antwort ab.
type graphQLHit struct {
	Content      string `json:"content"`
	DocumentID   string `json:"document_id"`
	ChunkID      string `json:"chunk_id"`
	PageNumber   int    `json:"page_number"`
	StartChar    int    `json:"start_char"`
	EndChar      int    `json:"end_char"`
	Filename     string `json:"filename"`
	DocumentType string `json:"document_type"`
	Additional   struct {
		Distance *float64 `json:"distance"`
	} `json:"_additional"`
}

// runQuery schickt eine GraphQL-Abfrage und mappt die Treffer.
func (c *Client) runQuery(ctx context.Context, projectID uuid.UUID, gql string) ([]vectorstore.QueryHit, error) {
	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/graphql", map[string]any{"query": gql})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vectorstore.ErrUnavailable, err)
	}
	if status >= 300 {
		return nil, fmt.Errorf("weaviate query failed: %d: %s", status, truncate(respBody))
	}

	var resp struct {
		Data   map[string]map[string][]graphQLHit `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("weaviate query response: %w", err)
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("weaviate query error: %s", resp.Errors[0].Message)
	}

	raw := resp.Data["Get"][className(projectID)]
	hits := make([]vectorstore.QueryHit, 0, len(raw))
	for _, h := range raw {
		hits = append(hits, vectorstore.QueryHit{
			Record: vectorstore.EvidenceRecord{
				Content:      h.Content,
				DocumentID:   h.DocumentID,
				ChunkID:      h.ChunkID,
				PageNumber:   h.PageNumber,
				StartChar:    h.StartChar,
				EndChar:      h.EndChar,
				Filename:     h.Filename,
				DocumentType: h.DocumentType,
			},
			Distance: h.Additional.Distance,
		})
	}
	return hits, nil
}

// do führt einen HTTP-Request gegen Weaviate aus und liest den Body komplett.
func (c *Client) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Config.WeaviateAPIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.Config.WeaviateAPIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
