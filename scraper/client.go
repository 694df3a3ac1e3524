package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const maxDrainBytes = 64 << 10

var errDecode = errors.New("decode response")

// flexString accepts a JSON string or number. The listing API is not
// consistent about how it encodes ids.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("flexString: %w", err)
	}
	*f = flexString(n.String())
	return nil
}

// getJSON issues one GET against rawURL and decodes a 200 body into out. The
// returned error is already classified.
func (s *apiClient) getJSON(ctx context.Context, phase, rawURL string, out any) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set("Accept", "application/json")

	s.metrics.IncRequest(phase)
	start := time.Now()
	resp, err := s.client.Do(req)
	s.metrics.ObserveDuration(phase, time.Since(start))
	if err != nil {
		return 0, classifyError(err, 0)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes))
		return resp.StatusCode, classifyError(nil, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		classified := classifyError(err, 0)
		if label := errorTypeLabel(classified); label == "timeout" || label == "connection" {
			return resp.StatusCode, classified
		}
		return resp.StatusCode, fmt.Errorf("%w: %w", errDecode, err)
	}
	return resp.StatusCode, nil
}

// apiClient is the shared plumbing of the JSON lookups.
type apiClient struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
	metrics   *Metrics
}

func errorStage(statusCode int, err error) string {
	switch {
	case errors.Is(err, errDecode):
		return "decode"
	case statusCode != 0 && statusCode != http.StatusOK:
		return "status"
	default:
		return "request"
	}
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
