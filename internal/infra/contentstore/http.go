// Package contentstore provides clients for the content-addressable blob
// store that holds protected content and serves it back to scan workers.
package contentstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/protection"
)

var _ protection.ContentStore = (*HTTPStore)(nil)

// HTTPStore talks to the blob store service over its HTTP API. Pointers are
// opaque to this client; it only round-trips them.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	tracer     trace.Tracer
}

// NewHTTPStore creates a content store client for the given base URL.
func NewHTTPStore(baseURL string, tracer trace.Tracer) *HTTPStore {
	return &HTTPStore{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tracer:     tracer,
	}
}

type putResponse struct {
	Pointer string `json:"pointer"`
}

// Put stores content and returns the pointer the store assigned to it.
func (s *HTTPStore) Put(ctx context.Context, content []byte) (string, error) {
	ctx, span := s.tracer.Start(ctx, "content_store.put",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int("content.size_bytes", len(content))),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/blobs", bytes.NewReader(content))
	if err != nil {
		return "", fmt.Errorf("build put request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return "", fmt.Errorf("content store put: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		err := fmt.Errorf("content store put: unexpected status %d", resp.StatusCode)
		span.RecordError(err)
		return "", err
	}

	var out putResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode put response: %w", err)
	}
	if out.Pointer == "" {
		return "", fmt.Errorf("content store put: empty pointer in response")
	}

	span.SetAttributes(attribute.String("content.pointer", out.Pointer))
	return out.Pointer, nil
}

// Get resolves a pointer back to its content bytes.
func (s *HTTPStore) Get(ctx context.Context, pointer string) ([]byte, error) {
	ctx, span := s.tracer.Start(ctx, "content_store.get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("content.pointer", pointer)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/blobs/"+url.PathEscape(pointer), nil)
	if err != nil {
		return nil, fmt.Errorf("build get request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get failed")
		return nil, fmt.Errorf("content store get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("content store get: pointer %s not found", pointer)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("content store get: unexpected status %d", resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	return content, nil
}
