package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/meterboard/telemetry/internal/credentials"
)

// ServiceSource obtains tokens from the external auth service with
// the client-credentials grant, using whatever the gate currently
// holds.
type ServiceSource struct {
	endpoint string
	gate     *credentials.Gate
	http     *http.Client
}

// NewServiceSource builds a source against the token endpoint.
func NewServiceSource(endpoint string, gate *credentials.Gate, client *http.Client) *ServiceSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ServiceSource{endpoint: endpoint, gate: gate, http: client}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Token requests a fresh bearer token.
func (s *ServiceSource) Token(ctx context.Context) (string, error) {
	creds, err := s.gate.Wait(ctx)
	if err != nil {
		return "", err
	}
	if err := creds.Validate(); err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", creds.ClientID)
	form.Set("client_secret", creds.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("auth service returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", ErrNoToken
	}
	return tr.AccessToken, nil
}
