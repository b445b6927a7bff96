package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// InternalOnly разрешает запрос только с приватных IP или при заголовке X-Internal-Secret == secret.
// Внутренний API вызывается только REST-слоем в той же сети.
func InternalOnly(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Internal-Secret")), []byte(secret)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			if ip := clientIP(r); ip != "" && isPrivateIP(ip) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}

func clientIP(r *http.Request) string {
	ipStr := r.Header.Get("X-Real-Ip")
	if ipStr == "" {
		ipStr = r.Header.Get("X-Forwarded-For")
		if idx := strings.Index(ipStr, ","); idx > 0 {
			ipStr = ipStr[:idx]
		}
		ipStr = strings.TrimSpace(ipStr)
	}
	if ipStr == "" {
		ipStr, _, _ = net.SplitHostPort(r.RemoteAddr)
		if ipStr == "" {
			ipStr = r.RemoteAddr
		}
	}
	return ipStr
}

func isPrivateIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
