// Package storage is the object store boundary. Callers address objects by
// (folder, name); each backend normalizes folders into its own key space.
package storage

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"path"
	"strings"
	"time"
)

var ErrNotFound = errors.New("storage: object not found")

// UploadResult is returned by a successful upload.
type UploadResult struct {
	Success bool   `json:"success"`
	URL     string `json:"url"`
	Key     string `json:"key"`
}

// Store uploads, probes and retrieves binary assets.
type Store interface {
	Upload(ctx context.Context, data []byte, name, folder, contentType string) (UploadResult, error)
	// URLFor returns the public retrieval URL without touching the network.
	URLFor(name, folder string) string
	// Exists is a lightweight existence probe; it never downloads the body.
	Exists(ctx context.Context, name, folder string) (bool, error)
	Download(ctx context.Context, name, folder string) ([]byte, error)
}

// Standard folders.
const (
	FolderImages  = "images"
	FolderVideos  = "videos"
	FolderAudio   = "audio"
	FolderRenders = "renders"
)

// objectKey joins a folder and a name into a slash separated key with no
// leading, trailing or doubled slashes.
func objectKey(folder, name string) string {
	folder = strings.ReplaceAll(strings.TrimSpace(folder), "\\", "/")
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	key := path.Clean("/" + folder + "/" + name)
	return strings.TrimPrefix(key, "/")
}

const (
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests ||
		status == http.StatusRequestTimeout ||
		status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
