package scanning

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/copysentry/copysentry/internal/domain/protection"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

func newTestVerifier(opts ...VerifierOption) *MatchVerifier {
	return NewMatchVerifier(
		logger.Noop(),
		noopMetrics{},
		noop.NewTracerProvider().Tracer("test"),
		opts...,
	)
}

func TestVerifier_FetchTimeoutOptionSetsClientTimeout(t *testing.T) {
	t.Parallel()

	v := newTestVerifier(WithFetchTimeout(30 * time.Second))

	assert.Equal(t, 30*time.Second, v.fetchTimeout)
	assert.Equal(t, 30*time.Second, v.httpClient.Timeout,
		"the HTTP client must honor the configured timeout, not the default")
}

func TestVerifier_ConfirmsHashMatches(t *testing.T) {
	t.Parallel()

	original := []byte("the protected artwork")
	fingerprint := protection.ComputeFingerprint(original)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/copy":
			_, _ = w.Write(original)
		case "/different":
			_, _ = w.Write([]byte("unrelated page"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	result := newTestVerifier().Verify(context.Background(), fingerprint, []string{
		srv.URL + "/copy",
		srv.URL + "/different",
		srv.URL + "/missing",
	})

	require.Len(t, result.Matches, 2)
	byURL := make(map[string]bool)
	for _, m := range result.Matches {
		byURL[m.URL] = m.Verified
	}
	assert.True(t, byURL[srv.URL+"/copy"], "identical bytes must verify")
	assert.False(t, byURL[srv.URL+"/different"], "different bytes must not verify")

	require.Len(t, result.Errors, 1)
	assert.Equal(t, srv.URL+"/missing", result.Errors[0].URL)
	assert.Contains(t, result.Errors[0].Reason, "404")
}

func TestVerifier_UnreachableCandidateIsErrorNotMatch(t *testing.T) {
	t.Parallel()

	fingerprint := protection.ComputeFingerprint([]byte("content"))

	result := newTestVerifier().Verify(context.Background(), fingerprint, []string{
		"http://127.0.0.1:1/unreachable",
	})

	assert.Empty(t, result.Matches)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "http://127.0.0.1:1/unreachable", result.Errors[0].URL)
}

func TestVerifier_NoCandidates(t *testing.T) {
	t.Parallel()

	fingerprint := protection.ComputeFingerprint([]byte("content"))
	result := newTestVerifier().Verify(context.Background(), fingerprint, nil)

	assert.Empty(t, result.Matches)
	assert.Empty(t, result.Errors)
}

func TestVerifier_ManyCandidatesUnderConcurrencyLimit(t *testing.T) {
	t.Parallel()

	original := []byte("content")
	fingerprint := protection.ComputeFingerprint(original)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(original)
	}))
	defer srv.Close()

	candidates := make([]string, 20)
	for i := range candidates {
		candidates[i] = srv.URL + "/" + string(rune('a'+i))
	}

	result := newTestVerifier(WithVerifyConcurrency(4)).Verify(context.Background(), fingerprint, candidates)

	assert.Len(t, result.Matches, 20)
	assert.Empty(t, result.Errors)
}
