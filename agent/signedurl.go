package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"convai/internal/nettrace"
	"convai/log"
)

const DefaultSignedURLEndpoint = "http://localhost:3000/api/signed-url"

// SignedURLError is a non-2xx answer from the signed-URL endpoint.
type SignedURLError struct {
	StatusCode int
	Status     string
}

func (e *SignedURLError) Error() string {
	return fmt.Sprintf("failed to get signed url: %s", e.Status)
}

// URLFetcher asks the local backend for a short-lived conversation URL.
// One attempt per call, no retries.
type URLFetcher struct {
	http     *nettrace.Client
	endpoint string
}

func NewURLFetcher(endpoint string) *URLFetcher {
	if endpoint == "" {
		endpoint = DefaultSignedURLEndpoint
	}
	return &URLFetcher{http: nettrace.New(10 * time.Second), endpoint: endpoint}
}

func (f *URLFetcher) WithHTTPClient(hc *http.Client) *URLFetcher {
	f.http = nettrace.Wrap(hc)
	return f
}

func (f *URLFetcher) Endpoint() string { return f.endpoint }

type signedURLResponse struct {
	SignedURL string `json:"signedUrl"`
}

func (f *URLFetcher) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", f.endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("signed url request: %w", err)
	}
	log.Request("signed_url", resp.StatusCode, resp.Metrics.Log())

	if !resp.OK() {
		return "", &SignedURLError{StatusCode: resp.StatusCode, Status: resp.Status}
	}

	var body signedURLResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return "", fmt.Errorf("signed url response parse error: %w", err)
	}
	if body.SignedURL == "" {
		return "", fmt.Errorf("signed url response has no signedUrl")
	}
	return body.SignedURL, nil
}
