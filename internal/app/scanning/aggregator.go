// Package scanning provides the services that execute infringement scans:
// provider fan-out, match verification, the worker consumer loop, and the
// stuck-task recovery sweep.
package scanning

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

const (
	// maxResultsPerProvider caps how many candidate URLs one provider may
	// contribute, so a single noisy provider cannot dominate verification.
	maxResultsPerProvider = 50

	defaultProviderTimeout = 10 * time.Second
)

// SearchAggregator fans a scan out to every configured provider concurrently
// and collects each outcome as a success-or-error. One provider failing or
// timing out never cancels its siblings and never fails the aggregate: the
// result is whatever subset of the web the healthy providers could see.
type SearchAggregator struct {
	providers       []scanning.SearchProvider
	providerTimeout time.Duration

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkerMetrics
}

// AggregatorOption configures a SearchAggregator.
type AggregatorOption func(*SearchAggregator)

// WithProviderTimeout bounds each provider call.
func WithProviderTimeout(d time.Duration) AggregatorOption {
	return func(a *SearchAggregator) { a.providerTimeout = d }
}

// NewSearchAggregator creates an aggregator over the given providers.
func NewSearchAggregator(
	providers []scanning.SearchProvider,
	log *logger.Logger,
	metrics WorkerMetrics,
	tracer trace.Tracer,
	opts ...AggregatorOption,
) *SearchAggregator {
	a := &SearchAggregator{
		providers:       providers,
		providerTimeout: defaultProviderTimeout,
		logger:          log.With("component", "search_aggregator", "num_providers", len(providers)),
		tracer:          tracer,
		metrics:         metrics,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type providerOutcome struct {
	name string
	urls []string
	err  error
}

// Aggregate queries all applicable providers concurrently and joins their
// outcomes. Keyword providers are skipped when the scan has no keywords.
func (a *SearchAggregator) Aggregate(ctx context.Context, content []byte, keywords []string) scanning.AggregateResult {
	ctx, span := a.tracer.Start(ctx, "search_aggregator.aggregate",
		trace.WithAttributes(
			attribute.Int("provider.count", len(a.providers)),
			attribute.Int("keyword.count", len(keywords)),
		),
	)
	defer span.End()

	var applicable []scanning.SearchProvider
	for _, p := range a.providers {
		if p.Kind() == scanning.ProviderKindKeyword && len(keywords) == 0 {
			continue
		}
		applicable = append(applicable, p)
	}

	outcomes := make([]providerOutcome, len(applicable))

	// Plain WaitGroup fan-out on purpose: every provider must run to its own
	// conclusion, so nothing here may propagate cancellation between siblings.
	var wg sync.WaitGroup
	for i, p := range applicable {
		wg.Add(1)
		go func(i int, p scanning.SearchProvider) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, a.providerTimeout)
			defer cancel()

			urls, err := p.Search(callCtx, content, keywords)
			outcomes[i] = providerOutcome{name: p.Name(), urls: urls, err: err}
		}(i, p)
	}
	wg.Wait()

	result := scanning.AggregateResult{Results: make(map[string][]string)}
	for _, out := range outcomes {
		if out.err != nil {
			a.logger.Warn(ctx, "Search provider failed",
				"provider", out.name,
				"error", out.err,
			)
			a.metrics.IncProviderError(ctx, out.name)
			result.Errors = append(result.Errors, scanning.ProviderError{
				Source: out.name,
				Reason: out.err.Error(),
			})
			continue
		}

		urls := out.urls
		if len(urls) > maxResultsPerProvider {
			a.logger.Debug(ctx, "Capping provider results",
				"provider", out.name,
				"returned", len(urls),
				"cap", maxResultsPerProvider,
			)
			urls = urls[:maxResultsPerProvider]
		}
		result.Results[out.name] = urls
	}

	span.SetAttributes(
		attribute.Int("result.providers_succeeded", len(result.Results)),
		attribute.Int("result.providers_failed", len(result.Errors)),
	)
	return result
}
