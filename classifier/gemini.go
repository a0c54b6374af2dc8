package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"veridoc/config"
)

// CitedSource ist ein vom Modell benannter Beleg für ein Urteil.
type CitedSource struct {
	Document  string `json:"document"`
	Page      int    `json:"page"`
	Quote     string `json:"quote"`
	Relevance string `json:"relevance"`
}

// Judgment ist das geparste Urteil des Modells zu einer Aussage.
type Judgment struct {
	ValidationResult string        `json:"validation_result"`
	ConfidenceScore  float64       `json:"confidence_score"`
	Reasoning        string        `json:"reasoning"`
	Citations        []CitedSource `json:"citations"`
}

// Classifier bewertet eine Aussage gegen vorgelegte Belege.
type Classifier interface {
	Classify(ctx context.Context, claim, background, evidence string) (*Judgment, error)
}

// Client ruft die Gemini-generateContent-API auf.
type Client struct {
	Config *config.Config
	Logger *zap.Logger

	http *http.Client
}

// NewClient erstellt einen neuen Klassifikations-Client.
func NewClient(cfg *config.Config, logger *zap.Logger) *Client {
	return &Client{
		Config: cfg,
		Logger: logger,
		http:   &http.Client{Timeout: 120 * time.Second},
	}
}

const systemPrompt = `You are a meticulous fact-checking assistant. You verify whether a claim
from a document is supported by the supplied evidence passages.

Respond with a single JSON object and nothing else:
{
  "validation_result": "VALIDATED" | "UNCERTAIN" | "INCORRECT",
  "confidence_score": <number between 0 and 1>,
  "reasoning": "<short explanation>",
  "citations": [
    {"document": "<filename>", "page": <number>, "quote": "<verbatim passage>", "relevance": "<why it supports the verdict>"}
  ]
}

Rules:
- VALIDATED only if the evidence directly supports the claim.
- INCORRECT only if the evidence contradicts the claim.
- UNCERTAIN when the evidence is insufficient or ambiguous.
- Cite only passages that appear verbatim in the evidence.`

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Classify bewertet eine Aussage anhand der Belege. Eine nicht parsbare
// Modellantwort wird als UNCERTAIN mit Konfidenz 0 behandelt, damit ein
// einzelner Ausreißer den Gesamtlauf nicht abbricht.
func (c *Client) Classify(ctx context.Context, claim, background, evidence string) (*Judgment, error) {
	var prompt strings.Builder
	if background != "" {
		prompt.WriteString("Background context:\n")
		prompt.WriteString(background)
		prompt.WriteString("\n\n")
	}
	prompt.WriteString("Claim to verify:\n")
	prompt.WriteString(claim)
	prompt.WriteString("\n\nEvidence passages:\n")
	prompt.WriteString(evidence)

	payload, err := json.Marshal(geminiRequest{
		SystemInstruction: &geminiContent{Parts: []geminiPart{{Text: systemPrompt}}},
		Contents:          []geminiContent{{Role: "user", Parts: []geminiPart{{Text: prompt.String()}}}},
		GenerationConfig: geminiGenConfig{
			Temperature:     c.Config.GeminiTemperature,
			MaxOutputTokens: c.Config.GeminiMaxTokens,
		},
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.Config.GeminiBaseURL, c.Config.GeminiModel)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.Config.GeminiAPIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("classifier request failed: %s", resp.Status)
	}

	var out geminiResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("classifier response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		c.Logger.Warn("Classifier returned no candidates")
		return fallbackJudgment(), nil
	}

	text := out.Candidates[0].Content.Parts[0].Text
	judgment := ParseJudgment(text)
	if judgment == nil {
		c.Logger.Warn("Classifier response not parseable", zap.String("text", truncate(text, 300)))
		return fallbackJudgment(), nil
	}
	return judgment, nil
}

var jsonBlockRe = regexp.MustCompile(`(?s)\{.*\}`)

// ParseJudgment extrahiert das JSON-Urteil aus einer Modellantwort.
// Liefert nil, wenn kein gültiges Urteil gefunden wird.
func ParseJudgment(text string) *Judgment {
	match := jsonBlockRe.FindString(text)
	if match == "" {
		return nil
	}
	var j Judgment
	if err := json.Unmarshal([]byte(match), &j); err != nil {
		return nil
	}
	j.ValidationResult = strings.ToUpper(strings.TrimSpace(j.ValidationResult))
	switch j.ValidationResult {
	case "VALIDATED", "UNCERTAIN", "INCORRECT":
	default:
		return nil
	}
	if j.ConfidenceScore < 0 {
		j.ConfidenceScore = 0
	}
	if j.ConfidenceScore > 1 {
		j.ConfidenceScore = 1
	}
	return &j
}

func fallbackJudgment() *Judgment {
	return &Judgment{
		ValidationResult: "UNCERTAIN",
		ConfidenceScore:  0,
		Reasoning:        "classifier response could not be interpreted",
		Citations:        []CitedSource{},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
