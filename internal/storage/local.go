package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore persists objects on the local filesystem. It is intended for
// development and single-node deployments without an object store.
type LocalStore struct {
	basePath string
	baseURL  string
}

// NewLocalStore roots the store at basePath. baseURL is the prefix under
// which the API serves basePath.
func NewLocalStore(basePath, baseURL string) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure base path: %w", err)
	}
	return &LocalStore{basePath: basePath, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// BasePath returns the configured root directory.
func (s *LocalStore) BasePath() string {
	return s.basePath
}

func (s *LocalStore) path(name, folder string) (string, string, error) {
	key, err := sanitizeKey(objectKey(folder, name))
	if err != nil {
		return "", "", err
	}
	return key, filepath.Join(s.basePath, filepath.FromSlash(key)), nil
}

func (s *LocalStore) URLFor(name, folder string) string {
	return s.baseURL + "/" + objectKey(folder, name)
}

func (s *LocalStore) Upload(ctx context.Context, data []byte, name, folder, contentType string) (UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return UploadResult{}, err
	}
	key, fullPath, err := s.path(name, folder)
	if err != nil {
		return UploadResult{}, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return UploadResult{}, fmt.Errorf("storage: ensure directory: %w", err)
	}
	// Write then rename so a concurrent Exists never sees a partial file.
	tmp := fullPath + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return UploadResult{}, fmt.Errorf("storage: write file: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		os.Remove(tmp)
		return UploadResult{}, fmt.Errorf("storage: commit file: %w", err)
	}
	return UploadResult{Success: true, URL: s.URLFor(name, folder), Key: key}, nil
}

func (s *LocalStore) Exists(ctx context.Context, name, folder string) (bool, error) {
	_, fullPath, err := s.path(name, folder)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat: %w", err)
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

func (s *LocalStore) Download(ctx context.Context, name, folder string) ([]byte, error) {
	key, fullPath, err := s.path(name, folder)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read file: %w", err)
	}
	return data, nil
}

// sanitizeKey normalizes a key and prevents escaping the storage root.
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key is required")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: invalid key")
	}
	return cleaned, nil
}
