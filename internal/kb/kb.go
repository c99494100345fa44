// Package kb fetches and caches the knowledge document the assistant is
// grounded in. The fetched copy is mirrored to disk so a restart (or a dead
// upstream) still serves the last known content.
package kb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

type Service struct {
	url       string
	cachePath string
	client    *http.Client

	mu      sync.RWMutex
	content string
}

func New(url, cachePath string) *Service {
	return &Service{
		url:       url,
		cachePath: cachePath,
		client:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Load fetches the document, falling back to the on-disk cache when the
// fetch fails. Returns the loaded content length.
func (s *Service) Load(ctx context.Context) (int, error) {
	text, err := s.fetch(ctx)
	if err != nil {
		cached, cacheErr := os.ReadFile(s.cachePath)
		if cacheErr != nil {
			return 0, fmt.Errorf("kb: fetch failed (%v) and no cache: %w", err, cacheErr)
		}
		s.set(string(cached))
		return len(cached), nil
	}

	s.set(text)
	if s.cachePath != "" {
		if dir := filepath.Dir(s.cachePath); dir != "" && dir != "." {
			_ = os.MkdirAll(dir, 0o755)
		}
		if err := os.WriteFile(s.cachePath, []byte(text), 0o644); err != nil {
			return len(text), fmt.Errorf("kb: write cache: %w", err)
		}
	}
	return len(text), nil
}

// Reload is Load under another name, for the explicit admin reload operation.
func (s *Service) Reload(ctx context.Context) (int, error) {
	return s.Load(ctx)
}

// Content returns the currently loaded document, possibly empty.
func (s *Service) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

func (s *Service) set(text string) {
	s.mu.Lock()
	s.content = text
	s.mu.Unlock()
}

func (s *Service) fetch(ctx context.Context) (string, error) {
	if s.url == "" {
		return "", fmt.Errorf("kb: no document url configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("kb: fetch status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
