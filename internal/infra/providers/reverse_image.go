package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

var _ scanning.SearchProvider = (*ReverseImageProvider)(nil)

// ReverseImageProvider queries a reverse-image search service with the raw
// content bytes and returns candidate URLs where lookalike content appears.
type ReverseImageProvider struct {
	name    string
	url     string
	apiKey  string
	client  *http.Client
	limiter *common.RateLimiter
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewReverseImageProvider creates a reverse-image search provider client.
func NewReverseImageProvider(
	name, url, apiKey string,
	client *http.Client,
	limiter *common.RateLimiter,
	log *logger.Logger,
	tracer trace.Tracer,
) *ReverseImageProvider {
	return &ReverseImageProvider{
		name:    name,
		url:     url,
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		logger:  log.With("component", "reverse_image_provider", "provider", name),
		tracer:  tracer,
	}
}

// Name identifies the provider in results and error entries.
func (p *ReverseImageProvider) Name() string { return p.name }

// Kind reports how the aggregator should drive this provider.
func (p *ReverseImageProvider) Kind() scanning.SearchProviderKind {
	return scanning.ProviderKindReverseImage
}

// Search uploads the content bytes and returns candidate URLs.
func (p *ReverseImageProvider) Search(ctx context.Context, content []byte, _ []string) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "reverse_image_provider.search",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", p.name),
			attribute.Int("content.size_bytes", len(content)),
		),
	)
	defer span.End()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider %s rate limit wait: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("provider %s build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search request failed")
		return nil, fmt.Errorf("provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider %s: unexpected status %d", p.name, resp.StatusCode)
		span.RecordError(err)
		return nil, err
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("provider %s decode response: %w", p.name, err)
	}

	span.SetAttributes(attribute.Int("result.count", len(out.URLs)))
	return out.URLs, nil
}
