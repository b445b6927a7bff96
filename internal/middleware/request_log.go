package middleware

import (
	"net/http"
	"time"

	"github.com/rehabcare/messaging/internal/logger"
)

// RequestLog пишет method, path, итоговый статус и длительность запроса.
// Для /ws статус 101 и длительность всего handshake.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := wrapWriter(w)
		defer func() { logger.HTTPRequest(r.Method, r.URL.Path, sw.status, time.Since(start)) }()
		next.ServeHTTP(sw, r)
	})
}
