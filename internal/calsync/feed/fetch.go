package feed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// FetchTimeout bounds one fetch attempt end to end.
const FetchTimeout = 30 * time.Second

// NetworkError is a transport-layer fetch failure: timeout, DNS,
// connection refusal or a non-2xx response. These are retryable.
type NetworkError struct {
	Message string
	cause   error
}

func (e *NetworkError) Error() string {
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.cause
}

// Fetcher retrieves raw iCalendar text from a feed address.
type Fetcher struct {
	client *http.Client
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		client: &http.Client{Timeout: FetchTimeout},
	}
}

// NormalizeAddress rewrites webcal-style subscription schemes to HTTPS.
// Calendar apps hand out webcal:// links that point at the same resource
// over HTTPS.
func NormalizeAddress(address string) string {
	switch {
	case strings.HasPrefix(address, "webcals://"):
		return "https://" + strings.TrimPrefix(address, "webcals://")
	case strings.HasPrefix(address, "webcal://"):
		return "https://" + strings.TrimPrefix(address, "webcal://")
	default:
		return address
	}
}

// Fetch downloads the feed at the given address and returns its raw
// text. All transport failures come back as *NetworkError.
func (f *Fetcher) Fetch(ctx context.Context, address string) (string, error) {
	url := NormalizeAddress(address)

	slog.InfoContext(ctx, "Fetching calendar feed", "url", url)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &NetworkError{Message: fmt.Sprintf("invalid feed address %q: %v", address, err), cause: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", &NetworkError{Message: fmt.Sprintf("failed to fetch feed: %v", err), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &NetworkError{Message: fmt.Sprintf("feed returned status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Message: fmt.Sprintf("failed to read feed body: %v", err), cause: err}
	}

	return string(body), nil
}
