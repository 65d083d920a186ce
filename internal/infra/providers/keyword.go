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

var _ scanning.SearchProvider = (*KeywordProvider)(nil)

// KeywordProvider searches platform listings by keywords. The aggregator only
// drives it when the scan supplies keywords.
type KeywordProvider struct {
	name    string
	url     string
	apiKey  string
	client  *http.Client
	limiter *common.RateLimiter
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewKeywordProvider creates a keyword search provider client.
func NewKeywordProvider(
	name, url, apiKey string,
	client *http.Client,
	limiter *common.RateLimiter,
	log *logger.Logger,
	tracer trace.Tracer,
) *KeywordProvider {
	return &KeywordProvider{
		name:    name,
		url:     url,
		apiKey:  apiKey,
		client:  client,
		limiter: limiter,
		logger:  log.With("component", "keyword_provider", "provider", name),
		tracer:  tracer,
	}
}

// Name identifies the provider in results and error entries.
func (p *KeywordProvider) Name() string { return p.name }

// Kind reports how the aggregator should drive this provider.
func (p *KeywordProvider) Kind() scanning.SearchProviderKind {
	return scanning.ProviderKindKeyword
}

type keywordRequest struct {
	Keywords []string `json:"keywords"`
}

// Search queries the provider with the scan's keywords and returns candidate
// listing URLs.
func (p *KeywordProvider) Search(ctx context.Context, _ []byte, keywords []string) ([]string, error) {
	ctx, span := p.tracer.Start(ctx, "keyword_provider.search",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider", p.name),
			attribute.Int("keyword.count", len(keywords)),
		),
	)
	defer span.End()

	if len(keywords) == 0 {
		return nil, nil
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("provider %s rate limit wait: %w", p.name, err)
	}

	body, err := json.Marshal(keywordRequest{Keywords: keywords})
	if err != nil {
		return nil, fmt.Errorf("provider %s encode request: %w", p.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
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
