//go:generate go run go.uber.org/mock/mockgen -source=auth.go -destination=../mocks/mock_auth.go -package=mocks

// Package auth validates the bearer credential presented at connect time.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/rehabcare/messaging/internal/model"
)

// Authenticator resolves a bearer credential into an Identity. Any failure is
// an apperr authentication error.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (model.Identity, error)
}

// Credential extracts the bearer token from the Authorization header or, for
// browsers that cannot set headers on websocket upgrades, the token query parameter.
func Credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
