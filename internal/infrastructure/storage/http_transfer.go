package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

// HTTPTransfer moves payloads over credentialed storage URLs. Credential
// denials map to domain sentinels so the retry policy can tell transient
// failures from terminal ones.
type HTTPTransfer struct {
	client *http.Client
}

func NewHTTPTransfer(timeout time.Duration) ports.ObjectTransfer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransfer{
		client: &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTransfer) Put(ctx context.Context, url string, payload []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload transfer failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return fmt.Errorf("upload rejected: %w", err)
	}
	return nil
}

func (t *HTTPTransfer) Get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fetch request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("segment transfer failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return nil, fmt.Errorf("fetch rejected: %w", err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read segment body: %w", err)
	}
	return data, nil
}

func statusError(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized:
		return domain.ErrUnauthorized
	case code == http.StatusForbidden:
		return domain.ErrForbidden
	case code == http.StatusNotFound:
		return domain.ErrSessionNotFound
	default:
		return fmt.Errorf("unexpected status %d", code)
	}
}
