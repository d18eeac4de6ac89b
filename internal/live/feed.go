package live

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"routemap/internal/transit"
)

const maxPositionsBytes = 4 << 20

// Feed returns the current position of every tracked bus.
type Feed interface {
	FetchLivePositions(ctx context.Context) ([]transit.Position, error)
}

// HTTPFeed polls the hosted backend's positions resource with a plain GET.
type HTTPFeed struct {
	url      string
	apiKey   string
	client   *http.Client
	maxBytes int64
}

func NewHTTPFeed(url, apiKey string, timeout time.Duration) *HTTPFeed {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPFeed{url: url, apiKey: apiKey, client: &http.Client{Timeout: timeout}, maxBytes: maxPositionsBytes}
}

func (f *HTTPFeed) FetchLivePositions(ctx context.Context) ([]transit.Position, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("apikey", f.apiKey)
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch positions: status %d", resp.StatusCode)
	}
	var out []transit.Position
	if err := json.NewDecoder(io.LimitReader(resp.Body, f.maxBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	return out, nil
}
