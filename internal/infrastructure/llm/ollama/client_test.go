package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

func TestClassifierSendsDeterministicJSONRequest(t *testing.T) {
	var payload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"response":"Sure: {\"doc_type\":\"Invoice\",\"tags\":[\"Finance\",\"finance\",\" \"],\"confidence\":1.7}"}`))
	}))
	defer server.Close()

	classifier := NewClassifier(New(server.URL, "llama3", nil), nil)
	got, err := classifier.Classify(context.Background(), "Invoice no. 42, total due")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.DocType != "invoice" || len(got.Tags) != 1 || got.Tags[0] != "finance" || got.Confidence != 1 {
		t.Fatalf("unexpected classification: %+v", got)
	}

	if payload["format"] != "json" || payload["model"] != "llama3" {
		t.Fatalf("unexpected request: %v", payload)
	}
	opts, _ := payload["options"].(map[string]any)
	if opts["temperature"] != float64(0) {
		t.Fatalf("temperature = %v, want 0", opts["temperature"])
	}
	prompt, _ := payload["prompt"].(string)
	if !strings.Contains(prompt, "total due") || !strings.Contains(prompt, "invoice, receipt") {
		t.Fatalf("unexpected prompt: %s", prompt)
	}
}

func TestClassifierMapsUnknownDocType(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"{\"doc_type\":\"poem\",\"tags\":[],\"confidence\":0.3}"}`))
	}))
	defer server.Close()

	got, err := NewClassifier(New(server.URL, "m", nil), []string{"invoice", "other"}).Classify(context.Background(), "roses are red")
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if got.DocType != "other" || got.Tags == nil {
		t.Fatalf("unexpected classification: %+v", got)
	}
}

func TestClassifierWrapsServerErrorsAsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClassifier(New(server.URL, "m", resilience.NewExecutor(resilience.StageAdapterConfig())), nil).Classify(context.Background(), "x")
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
}

func TestClassifierRejectsMalformedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"not json at all"}`))
	}))
	defer server.Close()

	_, err := NewClassifier(New(server.URL, "m", nil), nil).Classify(context.Background(), "x")
	if !domain.IsKind(err, domain.ErrClassification) {
		t.Fatalf("expected classification error, got %v", err)
	}
}

func TestClassifierBadRequestIsNotTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown model", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := NewClassifier(New(server.URL, "m", nil), nil).Classify(context.Background(), "x")
	if domain.IsKind(err, domain.ErrTemporary) || !domain.IsKind(err, domain.ErrClassification) {
		t.Fatalf("expected classification error, got %v", err)
	}
}
