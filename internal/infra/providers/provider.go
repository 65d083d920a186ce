// Package providers implements clients for the external search services
// queried during infringement scans. Each provider is independent and
// unreliable; the aggregator isolates their failures from each other.
package providers

import (
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

// Config describes one configured search provider endpoint.
type Config struct {
	Name    string  `mapstructure:"name"    yaml:"name"`
	Kind    string  `mapstructure:"kind"    yaml:"kind"`
	URL     string  `mapstructure:"url"     yaml:"url"`
	APIKey  string  `mapstructure:"api_key" yaml:"api_key"`
	RPS     float64 `mapstructure:"rps"     yaml:"rps"`
	Burst   int     `mapstructure:"burst"   yaml:"burst"`
	Timeout string  `mapstructure:"timeout" yaml:"timeout"`
}

// Build constructs providers from configuration. Unknown kinds are rejected
// at startup rather than discovered mid-scan.
func Build(cfgs []Config, log *logger.Logger, tracer trace.Tracer) ([]scanning.SearchProvider, error) {
	providers := make([]scanning.SearchProvider, 0, len(cfgs))
	for _, cfg := range cfgs {
		rps := cfg.RPS
		if rps <= 0 {
			rps = 5
		}
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter := common.NewRateLimiter(rps, burst)

		timeout := 10 * time.Second
		if cfg.Timeout != "" {
			parsed, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("provider %s: invalid timeout %q: %w", cfg.Name, cfg.Timeout, err)
			}
			timeout = parsed
		}
		httpClient := &http.Client{Timeout: timeout}

		switch scanning.SearchProviderKind(cfg.Kind) {
		case scanning.ProviderKindReverseImage:
			providers = append(providers, NewReverseImageProvider(cfg.Name, cfg.URL, cfg.APIKey, httpClient, limiter, log, tracer))
		case scanning.ProviderKindKeyword:
			providers = append(providers, NewKeywordProvider(cfg.Name, cfg.URL, cfg.APIKey, httpClient, limiter, log, tracer))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", cfg.Name, cfg.Kind)
		}
	}
	return providers, nil
}

// searchResponse is the shared wire shape both provider kinds return.
type searchResponse struct {
	URLs []string `json:"urls"`
}
