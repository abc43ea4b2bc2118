package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// Upload timeout per attempt; videos can be large.
	uploadTimeout = 180 * time.Second

	downloadTimeout = 120 * time.Second

	probeTimeout = 15 * time.Second
)

// SupabaseStore talks to Supabase Storage over its REST API.
type SupabaseStore struct {
	url        string
	serviceKey string
	Bucket     string
	client     *http.Client

	// sleep is swapped in tests to skip backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewSupabaseStore(url, serviceKey, bucket string) *SupabaseStore {
	return &SupabaseStore{
		url:        strings.TrimRight(url, "/"),
		serviceKey: serviceKey,
		Bucket:     bucket,
		client: &http.Client{
			Timeout: uploadTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		sleep: sleepContext,
	}
}

// key strips a leading bucket segment callers sometimes include.
func (s *SupabaseStore) key(name, folder string) string {
	key := objectKey(folder, name)
	return strings.TrimPrefix(key, s.Bucket+"/")
}

func (s *SupabaseStore) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", s.url, s.Bucket, key)
}

// URLFor returns the public URL for an object.
func (s *SupabaseStore) URLFor(name, folder string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.url, s.Bucket, s.key(name, folder))
}

// Upload puts an object. PUT with x-upsert makes re-uploads overwrite.
func (s *SupabaseStore) Upload(ctx context.Context, data []byte, name, folder, contentType string) (UploadResult, error) {
	key := s.key(name, folder)
	status, body, err := s.send(ctx, "upload", key, uploadTimeout, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.objectURL(key), bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("x-upsert", "true")
		req.ContentLength = int64(len(data))
		return req, nil
	})
	if err != nil {
		return UploadResult{}, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return UploadResult{}, fmt.Errorf("upload of %s failed with status %d: %s", key, status, truncate(string(body), 500))
	}
	return UploadResult{Success: true, URL: s.URLFor(name, folder), Key: key}, nil
}

// Exists issues a HEAD against the public object URL.
func (s *SupabaseStore) Exists(ctx context.Context, name, folder string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.URLFor(name, folder), nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("existence probe failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusBadRequest:
		// Supabase answers 400 for missing objects on some routes.
		return false, nil
	default:
		return false, fmt.Errorf("existence probe returned status %d", resp.StatusCode)
	}
}

// Download fetches an object body.
func (s *SupabaseStore) Download(ctx context.Context, name, folder string) ([]byte, error) {
	key := s.key(name, folder)
	status, body, err := s.send(ctx, "download", key, downloadTimeout, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(key), nil)
	})
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return body, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	default:
		return nil, fmt.Errorf("download of %s failed with status %d: %s", key, status, truncate(string(body), 500))
	}
}

// send runs a request with per-attempt timeouts, retrying transport failures
// and throttling or gateway statuses with backoff. Any other response is
// handed back to the caller with its body fully read.
func (s *SupabaseStore) send(ctx context.Context, op, key string, timeout time.Duration, newReq func(context.Context) (*http.Request, error)) (int, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Warn().Err(lastErr).Str("op", op).Str("key", key).Int("attempt", attempt).Dur("wait", delay).Msg("storage retry")
			if err := s.sleep(ctx, delay); err != nil {
				return 0, nil, fmt.Errorf("%s cancelled: %w", op, err)
			}
		}

		status, body, err := s.attempt(ctx, timeout, newReq)
		switch {
		case err != nil && isRetryableError(err):
			lastErr = fmt.Errorf("%s %s: %w", op, key, err)
		case err != nil:
			return 0, nil, fmt.Errorf("%s %s: %w", op, key, err)
		case isRetryableStatus(status):
			lastErr = fmt.Errorf("%s %s: status %d: %s", op, key, status, truncate(string(body), 500))
		default:
			return status, body, nil
		}
	}
	return 0, nil, fmt.Errorf("%s failed after %d attempts: %w", op, maxRetries+1, lastErr)
}

func (s *SupabaseStore) attempt(ctx context.Context, timeout time.Duration, newReq func(context.Context) (*http.Request, error)) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := newReq(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
