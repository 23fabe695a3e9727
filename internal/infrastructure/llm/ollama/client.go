package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

const serviceName = "ollama"

type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

func New(baseURL, model string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 120 * time.Second},
		executor:   executor,
	}
}

// Classifier asks the model for a document type and tags. The request runs
// with temperature 0 and a fixed seed so the same text maps to the same
// labels.
type Classifier struct {
	client   *Client
	docTypes []string
}

func NewClassifier(client *Client, docTypes []string) *Classifier {
	if len(docTypes) == 0 {
		docTypes = defaultDocTypes
	}
	return &Classifier{client: client, docTypes: docTypes}
}

type classificationResponse struct {
	DocType    string   `json:"doc_type"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

func (c *Classifier) Classify(ctx context.Context, text string) (domain.Classification, error) {
	respText, err := c.client.generateJSON(ctx, buildClassificationPrompt(text, c.docTypes))
	if err != nil {
		return domain.Classification{}, resilience.WrapHTTPError(domain.ErrClassification, "ollama classify", err)
	}

	var parsed classificationResponse
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &parsed); err != nil {
		return domain.Classification{}, domain.WrapError(domain.ErrClassification, "parse classification json", err)
	}
	return c.normalize(parsed), nil
}

func (c *Classifier) normalize(parsed classificationResponse) domain.Classification {
	docType := strings.ToLower(strings.TrimSpace(parsed.DocType))
	known := false
	for _, t := range c.docTypes {
		if t == docType {
			known = true
			break
		}
	}
	if !known {
		docType = unknownDocType
	}

	tags := make([]string, 0, len(parsed.Tags))
	seen := make(map[string]struct{}, len(parsed.Tags))
	for _, tag := range parsed.Tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
		if len(tags) == maxTags {
			break
		}
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return domain.Classification{DocType: docType, Tags: tags, Confidence: confidence}
}

func (c *Client) generateJSON(ctx context.Context, prompt string) (string, error) {
	reqBody := map[string]any{
		"model":  c.model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
		"options": map[string]any{
			"temperature": 0,
			"seed":        42,
		},
	}
	var response struct {
		Response string `json:"response"`
	}
	err := c.execute(ctx, "ollama.generate", func(ctx context.Context) error {
		return c.postJSON(ctx, "/api/generate", reqBody, &response, "generate")
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) execute(ctx context.Context, operation string, call func(context.Context) error) error {
	if c.executor == nil {
		return call(ctx)
	}
	return c.executor.Execute(ctx, operation, call, resilience.ClassifyHTTPError)
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// Ping checks that the model server answers.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama ping: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resilience.ReadHTTPStatusError(serviceName, "ping", resp)
	}
	return nil
}
