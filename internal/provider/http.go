package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMissingBaseURL indicates the client was configured without an endpoint.
var ErrMissingBaseURL = errors.New("provider: base url is required")

// Options configures the HTTP adapter.
type Options struct {
	BaseURL        string
	APIKey         string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
}

// HTTPAdapter queries the generation gateway's operation-status endpoint.
// The gateway normalizes each third-party provider's wire format into the
// contract below, so this client stays provider-agnostic.
type HTTPAdapter struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPAdapter builds an adapter from options, applying defaults.
func NewHTTPAdapter(opts Options) (*HTTPAdapter, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, ErrMissingBaseURL
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPAdapter{baseURL: base, apiKey: opts.APIKey, httpClient: client}, nil
}

type statusResponse struct {
	Status   string          `json:"status"`
	Progress *int            `json:"progress,omitempty"`
	Result   *resultResponse `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

type resultResponse struct {
	URLs      []string        `json:"result_urls"`
	SizeBytes int64           `json:"file_size_bytes"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Query fetches the current operation status for the given reference.
func (a *HTTPAdapter) Query(ctx context.Context, providerRef string) (Status, error) {
	endpoint := a.baseURL + "/operations/" + url.PathEscape(providerRef)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Status{}, fmt.Errorf("provider: build request: %w", err)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Status{}, fmt.Errorf("provider: query operation: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Status{}, fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("provider: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload statusResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return Status{}, fmt.Errorf("provider: decode response: %w", err)
	}
	return payload.toStatus(), nil
}

func (r statusResponse) toStatus() Status {
	st := Status{Progress: ProgressUnknown}
	switch r.Status {
	case "done":
		st.State = StateDone
		if r.Result != nil {
			st.Result = &Result{
				URLs:      r.Result.URLs,
				SizeBytes: r.Result.SizeBytes,
				Payload:   r.Result.Payload,
			}
		}
	case "error":
		st.State = StateError
		st.Reason = r.Error
		if st.Reason == "" {
			st.Reason = "provider reported failure"
		}
	default:
		st.State = StateRunning
		if r.Progress != nil {
			st.Progress = *r.Progress
		}
	}
	return st
}

var _ Adapter = (*HTTPAdapter)(nil)
