package server

import (
	"log/slog"
	"net/http"
)

func newRouter(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	// control plane
	mux.HandleFunc("GET /__sw/events", h.Events)
	mux.HandleFunc("GET /__sw/healthz", h.Health)
	mux.HandleFunc("POST /__sw/message", h.Message)
	mux.HandleFunc("POST /__sw/sync", h.Sync)
	mux.HandleFunc("POST /__sw/push", h.Push)
	mux.HandleFunc("POST /__sw/notificationclick", h.NotificationClick)
	mux.HandleFunc("POST /__sw/queue/{kind}", h.Enqueue)

	// everything else is a fetch event
	mux.HandleFunc("/", h.Proxy)

	return withRequestID(logging(logger)(mux))
}
