package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/auth"
	"github.com/rehabcare/messaging/internal/logger"
)

// Authenticate проверяет bearer-токен до апгрейда WebSocket. При ошибке отдаёт 401 JSON, соединение не открывается.
func Authenticate(a auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cred := auth.Credential(r)
			id, err := a.Authenticate(r.Context(), cred)
			if err != nil {
				logger.Warnf("auth rejected path=%s token=%s: %v", r.URL.Path, MaskCredential(cred), err)
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": apperr.PublicMessage(err),
					"code":  string(apperr.KindAuthentication),
				})
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
