package middleware

import (
	"bufio"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/logger"
)

// statusWriter запоминает код ответа; после Hijack статус считается 101.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func wrapWriter(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.wrote {
		return
	}
	w.status = code
	w.wrote = true
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Hijack нужен для WebSocket upgrade.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		w.status = http.StatusSwitchingProtocols
		w.wrote = true
	}
	return conn, rw, err
}

// panicBody повторяет форму ошибок internal API.
type panicBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RecoverJSON превращает панику handler'а в 500 с kind=internal, если ответ ещё не начат.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := wrapWriter(w)
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			logger.Panic(r.Method, r.URL.Path, v, debug.Stack())
			if sw.wrote {
				return
			}
			sw.Header().Set("Content-Type", "application/json; charset=utf-8")
			sw.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(sw).Encode(panicBody{
				Error: "internal error",
				Code:  string(apperr.KindInternal),
			})
		}()
		next.ServeHTTP(sw, r)
	})
}
