package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

const (
	serviceName      = "qdrant"
	sparseVectorName = "tokens"
)

// pointNamespace derives stable point ids from version ids, so upserting the
// same version twice overwrites one point.
var pointNamespace = uuid.MustParse("6f1c3c1e-9b7a-4d35-8a57-3f2a7f0c9d11")

// Client is a SearchIndexer backed by a Qdrant collection with one
// sparse-vector point per version.
type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
}

func New(baseURL, collection string, executor *resilience.Executor) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		executor:   executor,
	}
}

func PointID(versionID string) string {
	return uuid.NewSHA1(pointNamespace, []byte(versionID)).String()
}

func (c *Client) Upsert(ctx context.Context, entry domain.IndexEntry) error {
	if err := c.ensureCollection(ctx); err != nil {
		return err
	}

	type point struct {
		ID      string                  `json:"id"`
		Vector  map[string]sparseVector `json:"vector"`
		Payload map[string]any          `json:"payload"`
	}
	tags := entry.Tags
	if tags == nil {
		tags = []string{}
	}
	body := map[string]any{"points": []point{{
		ID:     PointID(entry.VersionID),
		Vector: map[string]sparseVector{sparseVectorName: encodeEntry(entry)},
		Payload: map[string]any{
			"version_id":      entry.VersionID,
			"document_id":     entry.DocumentID,
			"sequence_number": entry.SequenceNumber,
			"doc_type":        entry.DocType,
			"tags":            tags,
			"fields":          entry.Fields,
			"indexed_at":      entry.IndexedAt.UTC().Format(time.RFC3339Nano),
		},
	}}}

	url := fmt.Sprintf("%s/collections/%s/points?wait=true", c.baseURL, c.collection)
	err := c.execute(ctx, "qdrant.upsert", func(ctx context.Context) error {
		return c.doJSON(ctx, http.MethodPut, url, body, "upsert", nil)
	})
	return resilience.WrapHTTPError(domain.ErrIndexing, "qdrant upsert", err)
}

// Retract deletes the version's point. A missing point or collection is not
// an error.
func (c *Client) Retract(ctx context.Context, versionID string) error {
	body := map[string]any{"points": []string{PointID(versionID)}}
	url := fmt.Sprintf("%s/collections/%s/points/delete?wait=true", c.baseURL, c.collection)
	err := c.execute(ctx, "qdrant.retract", func(ctx context.Context) error {
		err := c.doJSON(ctx, http.MethodPost, url, body, "retract", nil)
		if isNotFound(err) {
			return nil
		}
		return err
	})
	return resilience.WrapHTTPError(domain.ErrIndexing, "qdrant retract", err)
}

func (c *Client) Exists(ctx context.Context, versionID string) (bool, error) {
	url := fmt.Sprintf("%s/collections/%s/points/%s", c.baseURL, c.collection, PointID(versionID))
	found := false
	err := c.execute(ctx, "qdrant.get", func(ctx context.Context) error {
		err := c.doJSON(ctx, http.MethodGet, url, nil, "get point", &struct{}{})
		switch {
		case err == nil:
			found = true
			return nil
		case isNotFound(err):
			found = false
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, resilience.WrapHTTPError(domain.ErrIndexing, "qdrant get point", err)
	}
	return found, nil
}

func (c *Client) ensureCollection(ctx context.Context) error {
	c.ensureMu.Lock()
	defer c.ensureMu.Unlock()
	if c.ensuredCollection {
		return nil
	}

	body := map[string]any{
		"vectors": map[string]any{},
		"sparse_vectors": map[string]any{
			sparseVectorName: map[string]any{},
		},
	}
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, c.collection)
	err := c.execute(ctx, "qdrant.ensure_collection", func(ctx context.Context) error {
		err := c.doJSON(ctx, http.MethodPut, url, body, "ensure collection", nil)
		// 409 when the collection already exists.
		var statusErr *resilience.HTTPStatusError
		if asStatus(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
			return nil
		}
		return err
	})
	if err != nil {
		return resilience.WrapHTTPError(domain.ErrIndexing, "qdrant ensure collection", err)
	}
	c.ensuredCollection = true
	return nil
}

func (c *Client) execute(ctx context.Context, operation string, call func(context.Context) error) error {
	if c.executor == nil {
		return call(ctx)
	}
	return c.executor.Execute(ctx, operation, call, resilience.ClassifyHTTPError)
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any, operation string, out any) error {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", operation, err)
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", operation, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant %s request: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return resilience.ReadHTTPStatusError(serviceName, operation, resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
	}
	return nil
}

func isNotFound(err error) bool {
	var statusErr *resilience.HTTPStatusError
	return asStatus(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

func asStatus(err error, target **resilience.HTTPStatusError) bool {
	return err != nil && errors.As(err, target)
}
