package middleware

import (
	"context"

	"github.com/rehabcare/messaging/internal/model"
)

type contextKey string

const IdentityKey contextKey = "identity"

// WithIdentity кладёт проверенную идентичность в контекст запроса.
func WithIdentity(ctx context.Context, id model.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity возвращает идентичность из контекста (устанавливается Authenticate).
func GetIdentity(ctx context.Context) model.Identity {
	v, _ := ctx.Value(IdentityKey).(model.Identity)
	return v
}
