package scanning

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

const (
	defaultFetchTimeout     = 8 * time.Second
	defaultVerifyConcurrent = 8

	// maxFetchBytes bounds how much of a candidate page is pulled down.
	// Content larger than the original cannot hash-match anyway once the
	// original's size is exceeded.
	maxFetchBytes = 32 << 20
)

// MatchVerifier re-fetches candidate URLs and confirms genuine matches by
// re-hashing the fetched bytes against the original fingerprint. Candidates
// that cannot be fetched are reported as verify errors, which is a different
// statement than "not a match".
type MatchVerifier struct {
	httpClient   *http.Client
	fetchTimeout time.Duration
	concurrency  int

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics WorkerMetrics
}

// VerifierOption configures a MatchVerifier.
type VerifierOption func(*MatchVerifier)

// WithFetchTimeout bounds each candidate fetch.
func WithFetchTimeout(d time.Duration) VerifierOption {
	return func(v *MatchVerifier) { v.fetchTimeout = d }
}

// WithVerifyConcurrency caps parallel candidate fetches.
func WithVerifyConcurrency(n int) VerifierOption {
	return func(v *MatchVerifier) { v.concurrency = n }
}

// NewMatchVerifier creates a verifier with its own HTTP client. The client is
// built after options apply so a configured fetch timeout is not capped by the
// default.
func NewMatchVerifier(log *logger.Logger, metrics WorkerMetrics, tracer trace.Tracer, opts ...VerifierOption) *MatchVerifier {
	v := &MatchVerifier{
		fetchTimeout: defaultFetchTimeout,
		concurrency:  defaultVerifyConcurrent,
		logger:       log.With("component", "match_verifier"),
		tracer:       tracer,
		metrics:      metrics,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.httpClient = &http.Client{Timeout: v.fetchTimeout}
	return v
}

// Verify checks every candidate URL against the original fingerprint with
// bounded parallelism. A fetch failure contributes a VerifyError; it never
// aborts the remaining candidates.
func (v *MatchVerifier) Verify(ctx context.Context, fingerprint protection.Fingerprint, candidates []string) scanning.VerificationResult {
	ctx, span := v.tracer.Start(ctx, "match_verifier.verify",
		trace.WithAttributes(attribute.Int("candidate.count", len(candidates))),
	)
	defer span.End()

	var (
		mu     sync.Mutex
		result scanning.VerificationResult
	)

	// errgroup is used purely for its concurrency limit; workers always
	// return nil so one candidate's failure cannot cancel the rest.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.concurrency)

	for _, candidate := range candidates {
		g.Go(func() error {
			verified, err := v.verifyOne(gctx, fingerprint, candidate)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors = append(result.Errors, scanning.VerifyError{
					URL:    candidate,
					Reason: err.Error(),
				})
				return nil
			}
			result.Matches = append(result.Matches, scanning.Match{URL: candidate, Verified: verified})
			return nil
		})
	}
	_ = g.Wait()

	// Fan-out order is nondeterministic; persisted results should not be.
	sort.Slice(result.Matches, func(i, j int) bool { return result.Matches[i].URL < result.Matches[j].URL })
	sort.Slice(result.Errors, func(i, j int) bool { return result.Errors[i].URL < result.Errors[j].URL })

	span.SetAttributes(
		attribute.Int("result.matches", len(result.Matches)),
		attribute.Int("result.errors", len(result.Errors)),
	)
	return result
}

func (v *MatchVerifier) verifyOne(ctx context.Context, fingerprint protection.Fingerprint, candidate string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, v.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return false, fmt.Errorf("build fetch request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		v.metrics.IncVerifyFetchError(ctx)
		return false, fmt.Errorf("fetch candidate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		v.metrics.IncVerifyFetchError(ctx)
		return false, fmt.Errorf("fetch candidate: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		v.metrics.IncVerifyFetchError(ctx)
		return false, fmt.Errorf("read candidate body: %w", err)
	}

	return fingerprint.Matches(protection.ComputeFingerprint(body)), nil
}
