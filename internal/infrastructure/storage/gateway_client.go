package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sessioncast/internal/core/domain"
	"sessioncast/internal/core/ports"
)

// GatewayClient is the agent-side client for the gateway's boundary API. It
// implements the credential, manifest and session-lifecycle ports.
type GatewayClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewGatewayClient(baseURL string, timeout time.Duration) *GatewayClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GatewayClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

var (
	_ ports.CredentialIssuer = (*GatewayClient)(nil)
	_ ports.ManifestSink     = (*GatewayClient)(nil)
	_ ports.SessionLifecycle = (*GatewayClient)(nil)
)

func (c *GatewayClient) IssueUploadCredential(ctx context.Context, sessionID domain.SessionID, partIndex int, contentType string) (ports.WriteCredential, error) {
	var cred ports.WriteCredential
	err := c.post(ctx, fmt.Sprintf("/api/v1/sessions/%s/upload-credentials", sessionID), map[string]interface{}{
		"part_index":   partIndex,
		"content_type": contentType,
	}, &cred)
	return cred, err
}

func (c *GatewayClient) IssueReadCredential(ctx context.Context, sessionID domain.SessionID, path string, expiresIn time.Duration) (ports.ReadCredential, error) {
	var cred ports.ReadCredential
	err := c.post(ctx, fmt.Sprintf("/api/v1/sessions/%s/read-credentials", sessionID), map[string]interface{}{
		"path":       path,
		"expires_in": int(expiresIn.Seconds()),
	}, &cred)
	return cred, err
}

func (c *GatewayClient) WriteManifest(ctx context.Context, manifest *domain.Manifest) (ports.ManifestReceipt, error) {
	var receipt ports.ManifestReceipt
	err := c.post(ctx, fmt.Sprintf("/api/v1/sessions/%s/manifest", manifest.SessionID), manifest, &receipt)
	return receipt, err
}

func (c *GatewayClient) CreateSession(ctx context.Context, testLinkID string) (*domain.Session, error) {
	var session domain.Session
	err := c.post(ctx, "/api/v1/sessions", map[string]string{
		"test_link_id": testLinkID,
	}, &session)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (c *GatewayClient) EndLiveSession(ctx context.Context, sessionID domain.SessionID, participantID domain.ParticipantID) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/sessions/%s/end", sessionID), map[string]string{
		"participant_id": string(participantID),
	}, nil)
}

func (c *GatewayClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp.StatusCode); err != nil {
		return fmt.Errorf("gateway %s: %w", path, err)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gateway response: %w", err)
		}
	}
	return nil
}
