package resources

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/openfroyo/converge/pkg/engine"
)

// HTTPFetcher downloads http and https URLs.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher using client.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client, userAgent: "converge"}
}

// Fetch implements Fetcher. A 404 is reported as not_found; every other
// transport failure or non-2xx status is a network_failure.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return engine.NewNetworkFailure("build request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return engine.NewNetworkFailure("fetch "+url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return engine.NewNotFound("fetch "+url, fmt.Errorf("unexpected status: %s", resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return engine.NewNetworkFailure("fetch "+url, fmt.Errorf("unexpected status: %s", resp.Status))
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return classify("download "+url, err)
	}
	return nil
}
