// Package rest provides the control & live-view HTTP surface's status API
// (part of C7): a chi router serving an unauthenticated liveness probe and
// a JWT-gated session status endpoint for an external supervisor to poll.
package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusProvider exposes the read-only session state the status endpoint
// reports. *session.Controller satisfies it through its Status method;
// tests can supply a stub.
type StatusProvider interface {
	Status() Status
}

// Status is the JSON body served at GET /api/v1/status.
type Status struct {
	PID             int      `json:"pid"`
	Attached        bool     `json:"attached"`
	Nesting         int      `json:"nesting"`
	MaxNestingSeen  int      `json:"max_nesting_seen"`
	Tracers         []string `json:"tracers"`
	MethodsInterned int      `json:"methods_interned"`
	ClassesInterned int      `json:"classes_interned"`
}

// NewRouter returns a configured chi.Router for the control & live-view
// surface.
//
// Route layout:
//
//	GET /healthz          – liveness probe, no authentication required
//	GET /api/v1/status    – session status (JWT required when pubKey != nil)
//	GET /ws               – WebSocket upgrade mirroring rendered trace lines
//	                         (mounted only when wsHandler is non-nil)
//
// Pass pubKey as nil to disable JWT validation, e.g. for a controller bound
// only to a trusted localhost address. Pass wsHandler as nil to disable the
// live-view endpoint entirely.
func NewRouter(status StatusProvider, pubKey *rsa.PublicKey, wsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}
		r.Get("/status", handleStatus(status))
	})

	if wsHandler != nil {
		r.Handle("/ws", wsHandler)
	}

	return r
}
