package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rehabcare/messaging/internal/auth"
	"github.com/rehabcare/messaging/internal/conversation"
	"github.com/rehabcare/messaging/internal/middleware"
	"github.com/rehabcare/messaging/internal/presence"
	"github.com/rehabcare/messaging/internal/registry"
	"github.com/rehabcare/messaging/internal/ws"
)

// RouterDeps содержит всё, что нужно HTTP-слою live-сервиса.
type RouterDeps struct {
	Auth           auth.Authenticator
	Dispatcher     *ws.Dispatcher
	Conversations  *conversation.Manager
	Registry       *registry.Registry
	Presence       *presence.Broadcaster
	Client         ws.ClientConfig
	AllowedOrigins []string
	InternalSecret string
	// Частота handshake /ws с одного IP; 0 отключает ограничение.
	HandshakeRate  float64
	HandshakeBurst int
}

func NewRouter(d RouterDeps) http.Handler {
	wsH := NewWSHandler(d.Dispatcher, d.Client, d.AllowedOrigins)
	internalH := NewInternalHandler(d.Dispatcher, d.Conversations, d.Registry, d.Presence)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	// RequestLog снаружи, чтобы видеть статус, записанный RecoverJSON.
	r.Use(middleware.RequestLog)
	r.Use(middleware.RecoverJSON)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-Secret"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", Health(d.Registry))

	r.Group(func(r chi.Router) {
		if d.HandshakeRate > 0 {
			r.Use(middleware.RateLimitByIP(d.HandshakeRate, d.HandshakeBurst))
		}
		r.Use(middleware.Authenticate(d.Auth))
		r.Get("/ws", wsH.ServeWS)
	})

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalOnly(d.InternalSecret))
		r.Mount("/", internalH.Routes())
	})
	return r
}
