package handler

import (
	"net/http"

	"github.com/rehabcare/messaging/internal/registry"
)

// Health отвечает на GET /health: процесс жив, число подключённых пользователей.
func Health(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": reg.Count()})
	}
}
