package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roomchat/internal/middleware"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Auth  *AuthHandler
	Users *UserHandler
	Rooms *RoomHandler
	Chats *ChatHandler
	Files *FileHandler
	WS    *WSHandler
}

type RouterOptions struct {
	Authenticator  middleware.Authenticator
	AllowedOrigins string
	// Health reports readiness; nil means always healthy.
	Health func(r *http.Request) error
}

const (
	ipRequestsPerMinute   = 300
	userRequestsPerMinute = 600
)

func NewRouter(h Handlers, opts RouterOptions) http.Handler {
	byIP := middleware.NewRateLimiter(ipRequestsPerMinute, time.Minute)
	byUser := middleware.NewRateLimiter(userRequestsPerMinute, time.Minute)
	limit := middleware.RateLimit(byIP, byUser)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(chimw.Logger)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	// Compressing the upgrade response would hide http.Hijacker from the WebSocket upgrader.
	r.Use(func(next http.Handler) http.Handler {
		compressed := chimw.Compress(5, "application/json")(next)
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.EqualFold(req.Header.Get("Upgrade"), "websocket") {
				next.ServeHTTP(w, req)
				return
			}
			compressed.ServeHTTP(w, req)
		})
	})
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(opts.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-File-Size"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if opts.Health != nil {
			if err := opts.Health(req); err != nil {
				writeError(w, http.StatusServiceUnavailable, err.Error())
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(limit)
		r.Post("/api/auth/register", h.Auth.Register)
		r.Post("/api/auth/login", h.Auth.Login)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.BearerAuth(opts.Authenticator))
		r.Get("/ws", h.WS.ServeWS)

		r.Group(func(r chi.Router) {
			r.Use(limit)
			r.Get("/api/auth/me", h.Auth.Me)

			r.Get("/api/users", h.Users.List)
			r.Get("/api/users/online", h.Users.Online)
			r.Get("/api/users/search", h.Users.Search)
			r.Put("/api/users/me", h.Users.UpdateMe)
			r.Get("/api/users/{id}", h.Users.Get)

			r.Post("/api/rooms", h.Rooms.Create)
			r.Get("/api/rooms", h.Rooms.List)
			r.Get("/api/rooms/{id}", h.Rooms.Get)
			r.Post("/api/rooms/{id}/members", h.Rooms.AddMembers)
			r.Delete("/api/rooms/{id}/members/{userId}", h.Rooms.RemoveMember)
			r.Post("/api/rooms/{id}/join", h.Rooms.Join)
			r.Post("/api/rooms/{id}/leave", h.Rooms.Leave)

			r.Post("/api/chats/messages", h.Chats.SendMessage)
			r.Get("/api/chats/rooms/{roomId}/messages", h.Chats.RoomMessages)
			r.Get("/api/chats/direct/{userId}/messages", h.Chats.DirectMessages)
			r.Put("/api/chats/messages/{id}/read", h.Chats.MarkRead)
			r.Delete("/api/chats/messages/{id}", h.Chats.DeleteMessage)
			r.Get("/api/chats/unread", h.Chats.Unread)
			r.Post("/api/chats/unread/{chatKey}/read", h.Chats.ClearUnread)

			r.Post("/api/files", h.Files.Upload)
			r.Get("/api/files/{id}", h.Files.Serve)
			r.Get("/api/files/{id}/meta", h.Files.Meta)
			r.Delete("/api/files/{id}", h.Files.Delete)
		})
	})
	return r
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
