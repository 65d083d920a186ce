package scanning

import (
	"encoding/json"
	"sort"
)

// ProviderError records one search provider that failed during aggregation.
// A failing provider never aborts the aggregate; it contributes this entry
// instead of a result list.
type ProviderError struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Match is a candidate URL together with the verification verdict. A URL whose
// fetched content hashed to the original fingerprint is Verified; a candidate
// that was reachable but did not hash-match is surfaced unverified.
type Match struct {
	URL      string `json:"url"`
	Verified bool   `json:"verified"`
}

// VerifyError records a candidate URL that could not be verified, typically a
// fetch failure. Inability to verify is distinct from "not a match".
type VerifyError struct {
	URL    string `json:"url"`
	Reason string `json:"reason"`
}

// AggregateResult is the output of the provider fan-out before verification.
type AggregateResult struct {
	// Results maps provider name to the capped list of candidate URLs it returned.
	Results map[string][]string `json:"results"`

	// Errors lists providers that failed, one entry per provider.
	Errors []ProviderError `json:"errors"`
}

// CandidateURLs returns the deduplicated union of all providers' candidates,
// in stable sorted order.
func (ar AggregateResult) CandidateURLs() []string {
	seen := make(map[string]struct{})
	var urls []string
	for _, list := range ar.Results {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			urls = append(urls, u)
		}
	}
	sort.Strings(urls)
	return urls
}

// VerificationResult is the output of the match-verification pass.
type VerificationResult struct {
	Matches []Match       `json:"matches"`
	Errors  []VerifyError `json:"errors"`
}

// ScanResult is the final persisted outcome of one scan task. It lives inside
// the owning task's result column and is serialized only at the storage and
// status-push boundaries.
type ScanResult struct {
	Results        map[string][]string `json:"results"`
	ProviderErrors []ProviderError     `json:"provider_errors,omitempty"`
	Matches        []Match             `json:"matches,omitempty"`
	VerifyErrors   []VerifyError       `json:"verify_errors,omitempty"`
}

// VerifiedURLs returns the URLs confirmed as genuine matches.
func (sr ScanResult) VerifiedURLs() []string {
	var urls []string
	for _, m := range sr.Matches {
		if m.Verified {
			urls = append(urls, m.URL)
		}
	}
	return urls
}

// Marshal serializes the result for the storage boundary.
func (sr ScanResult) Marshal() (json.RawMessage, error) {
	return json.Marshal(sr)
}
