package scanning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

func newTestAggregator(providers []scanning.SearchProvider, opts ...AggregatorOption) *SearchAggregator {
	return NewSearchAggregator(
		providers,
		logger.Noop(),
		noopMetrics{},
		noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
}

func TestAggregator_PartialProviderFailure(t *testing.T) {
	t.Parallel()

	providers := []scanning.SearchProvider{
		&mockProvider{name: "p1", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{"https://one.example/a"}, nil
		}},
		&mockProvider{name: "p2", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{"https://two.example/b"}, nil
		}},
		&mockProvider{name: "p3", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return nil, errors.New("upstream 500")
		}},
		&mockProvider{name: "p4", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{"https://four.example/d"}, nil
		}},
		&mockProvider{name: "p5", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{"https://five.example/e"}, nil
		}},
	}

	result := newTestAggregator(providers).Aggregate(context.Background(), []byte("content"), nil)

	assert.Len(t, result.Results, 4, "four healthy providers must all contribute")
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "p3", result.Errors[0].Source)
	assert.Contains(t, result.Errors[0].Reason, "upstream 500")
}

func TestAggregator_SlowProviderDoesNotBlockSiblings(t *testing.T) {
	t.Parallel()

	providers := []scanning.SearchProvider{
		&mockProvider{name: "fast", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{"https://fast.example"}, nil
		}},
		&mockProvider{name: "slow", kind: scanning.ProviderKindReverseImage, searchFn: func(ctx context.Context, _ []byte, _ []string) ([]string, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}},
	}

	agg := newTestAggregator(providers, WithProviderTimeout(50*time.Millisecond))

	start := time.Now()
	result := agg.Aggregate(context.Background(), []byte("content"), nil)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"https://fast.example"}, result.Results["fast"])
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "slow", result.Errors[0].Source)
}

func TestAggregator_CapsPerProviderResults(t *testing.T) {
	t.Parallel()

	noisy := &mockProvider{name: "noisy", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
		urls := make([]string, 0, 120)
		for i := 0; i < 120; i++ {
			urls = append(urls, fmt.Sprintf("https://noisy.example/%d", i))
		}
		return urls, nil
	}}

	result := newTestAggregator([]scanning.SearchProvider{noisy}).Aggregate(context.Background(), []byte("content"), nil)

	assert.Len(t, result.Results["noisy"], maxResultsPerProvider)
	assert.Empty(t, result.Errors)
}

func TestAggregator_SkipsKeywordProvidersWithoutKeywords(t *testing.T) {
	t.Parallel()

	var keywordCalled bool
	providers := []scanning.SearchProvider{
		&mockProvider{name: "image", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return []string{"https://img.example"}, nil
		}},
		&mockProvider{name: "keyword", kind: scanning.ProviderKindKeyword, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			keywordCalled = true
			return []string{"https://kw.example"}, nil
		}},
	}
	agg := newTestAggregator(providers)

	noKeywords := agg.Aggregate(context.Background(), []byte("content"), nil)
	assert.False(t, keywordCalled)
	assert.NotContains(t, noKeywords.Results, "keyword")

	withKeywords := agg.Aggregate(context.Background(), []byte("content"), []string{"art"})
	assert.True(t, keywordCalled)
	assert.Equal(t, []string{"https://kw.example"}, withKeywords.Results["keyword"])
}

func TestAggregator_AllProvidersFailing(t *testing.T) {
	t.Parallel()

	providers := []scanning.SearchProvider{
		&mockProvider{name: "a", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return nil, errors.New("down")
		}},
		&mockProvider{name: "b", kind: scanning.ProviderKindReverseImage, searchFn: func(context.Context, []byte, []string) ([]string, error) {
			return nil, errors.New("down")
		}},
	}

	result := newTestAggregator(providers).Aggregate(context.Background(), []byte("content"), nil)

	assert.Empty(t, result.Results)
	assert.Len(t, result.Errors, 2)
	assert.Empty(t, result.CandidateURLs())
}
