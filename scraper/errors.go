package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aluiziolira/go-scrape-channels/downloader"
	"github.com/aluiziolira/go-scrape-channels/store"
)

// ErrTimeout indicates a timeout while issuing a request.
type ErrTimeout struct {
	Err error
}

func (e ErrTimeout) Error() string {
	return fmt.Errorf("timeout: %w", e.Err).Error()
}

func (e ErrTimeout) Unwrap() error {
	return e.Err
}

// ErrConnection indicates a network connectivity failure.
type ErrConnection struct {
	Err error
}

func (e ErrConnection) Error() string {
	return fmt.Errorf("connection: %w", e.Err).Error()
}

func (e ErrConnection) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates a forbidden response (HTTP 403).
type ErrForbidden struct {
	Err error
}

func (e ErrForbidden) Error() string {
	return fmt.Errorf("forbidden: %w", e.Err).Error()
}

func (e ErrForbidden) Unwrap() error {
	return e.Err
}

// ErrNotFound indicates a missing resource (HTTP 404).
type ErrNotFound struct {
	Err error
}

func (e ErrNotFound) Error() string {
	return fmt.Errorf("not_found: %w", e.Err).Error()
}

func (e ErrNotFound) Unwrap() error {
	return e.Err
}

// ErrRateLimited indicates the target rate-limited the request.
type ErrRateLimited struct {
	Err error
}

func (e ErrRateLimited) Error() string {
	return fmt.Errorf("rate_limited: %w", e.Err).Error()
}

func (e ErrRateLimited) Unwrap() error {
	return e.Err
}

// ErrServer indicates a 5xx response.
type ErrServer struct {
	Err error
}

func (e ErrServer) Error() string {
	return fmt.Errorf("server: %w", e.Err).Error()
}

func (e ErrServer) Unwrap() error {
	return e.Err
}

// ListingError means a channel's video list could not be retrieved. The
// batch treats it as zero videos for that channel.
type ListingError struct {
	Channel    string
	Stage      string // request, status, decode
	StatusCode int
	Err        error
}

func (e *ListingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("list videos for %s (%s, status %d): %v", e.Channel, e.Stage, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("list videos for %s (%s): %v", e.Channel, e.Stage, e.Err)
}

func (e *ListingError) Unwrap() error {
	return e.Err
}

// ResolutionError means the media URL lookup for one video failed.
type ResolutionError struct {
	VideoID    string
	StatusCode int
	Err        error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve media url for video %s: %v", e.VideoID, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// DisabledChannelError is returned when a disabled channel is scraped by id.
type DisabledChannelError struct {
	ID       string
	Username string
}

func (e *DisabledChannelError) Error() string {
	return fmt.Sprintf("channel %s (%s) is disabled", e.ID, e.Username)
}

func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var timeout ErrTimeout
	if errors.As(err, &timeout) {
		return "timeout"
	}
	var conn ErrConnection
	if errors.As(err, &conn) {
		return "connection"
	}
	var forbidden ErrForbidden
	if errors.As(err, &forbidden) {
		return "forbidden"
	}
	var notFound ErrNotFound
	if errors.As(err, &notFound) {
		return "not_found"
	}
	var rateLimited ErrRateLimited
	if errors.As(err, &rateLimited) {
		return "rate_limited"
	}
	var server ErrServer
	if errors.As(err, &server) {
		return "server"
	}
	var ioErr *store.IOError
	if errors.As(err, &ioErr) {
		return "io"
	}
	return "other"
}

func classifyError(err error, statusCode int) error {
	if err == nil && statusCode == 0 {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout{Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout{Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrConnection{Err: err}
	}

	if statusCode != 0 {
		wrapped := err
		if wrapped == nil {
			wrapped = fmt.Errorf("http status %d", statusCode)
		}
		switch {
		case statusCode == http.StatusForbidden:
			return ErrForbidden{Err: wrapped}
		case statusCode == http.StatusNotFound:
			return ErrNotFound{Err: wrapped}
		case statusCode == http.StatusTooManyRequests:
			return ErrRateLimited{Err: wrapped}
		case statusCode >= http.StatusInternalServerError:
			return ErrServer{Err: wrapped}
		}
	}

	if err == nil {
		return fmt.Errorf("http status %d", statusCode)
	}
	return err
}

// downloadErrorLabel classifies a downloader failure for metrics.
func downloadErrorLabel(err error) string {
	var dlErr *downloader.DownloadError
	if errors.As(err, &dlErr) {
		return errorTypeLabel(classifyError(dlErr.Err, dlErr.StatusCode))
	}
	return errorTypeLabel(classifyError(err, 0))
}

// retryable reports whether a classified error is worth another attempt.
func retryable(err error) bool {
	switch errorTypeLabel(err) {
	case "timeout", "connection", "rate_limited", "server":
		return true
	}
	return false
}
