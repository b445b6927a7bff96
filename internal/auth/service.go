package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/model"
)

// ServiceAuthenticator asks the platform auth service to validate the credential.
// POST {baseURL}/internal/validate {"token": "..."} -> 200 {"user_id": "..."}.
type ServiceAuthenticator struct {
	baseURL string
	client  *http.Client
}

func NewServiceAuthenticator(baseURL string, client *http.Client) *ServiceAuthenticator {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &ServiceAuthenticator{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *ServiceAuthenticator) Authenticate(ctx context.Context, credential string) (model.Identity, error) {
	const op = "auth.Service"
	if credential == "" {
		return "", apperr.Authentication(op, "missing credential", nil)
	}
	body, _ := json.Marshal(map[string]string{"token": credential})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/internal/validate", bytes.NewReader(body))
	if err != nil {
		return "", apperr.Authentication(op, "invalid credential", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", apperr.Authentication(op, "auth service unavailable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Authentication(op, "invalid credential", fmt.Errorf("auth service status %d", resp.StatusCode))
	}
	var result struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil || result.UserID == "" {
		return "", apperr.Authentication(op, "invalid credential", err)
	}
	return model.Identity(result.UserID), nil
}
