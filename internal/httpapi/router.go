// Package httpapi exposes the conversation and game operations over plain
// HTTP for clients that cannot hold a WebSocket, and for tooling. The caller
// identity is taken from the X-User-ID header set by the auth gateway.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/mystify/realtime/internal/conversation"
	"github.com/mystify/realtime/internal/game"
	"github.com/mystify/realtime/internal/ratelimit"
	"github.com/mystify/realtime/internal/report"
)

// HeaderUserID carries the identity asserted by the auth gateway.
const HeaderUserID = "X-User-ID"

// Sessions answers whether a user has a live connection.
type Sessions interface {
	Online(ctx context.Context, userID string) (bool, error)
}

// Deps are the services behind the API. Reports and Sessions may be nil,
// which disables their routes.
type Deps struct {
	Conversations  *conversation.Service
	Games          *game.Coordinator
	Leaderboard    game.Leaderboard
	Reports        report.Store
	Sessions       Sessions
	Limiter        ratelimit.Checker
	AllowedOrigins []string
}

type api struct {
	Deps
}

// NewRouter builds the /v1 routes wrapped in the CORS handler.
func NewRouter(deps Deps) http.Handler {
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Noop{}
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}
	a := &api{Deps: deps}

	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/topics/{topic}/events", a.appendEvent).Methods("POST")
	v1.HandleFunc("/topics/{topic}/events", a.listEvents).Methods("GET")
	v1.HandleFunc("/topics/{topic}/reactions", a.react).Methods("POST")
	v1.HandleFunc("/events/{id}/receipt", a.receipt).Methods("GET")
	v1.HandleFunc("/events/{id}/reactions", a.reactions).Methods("GET")

	v1.HandleFunc("/typing", a.setTyping).Methods("POST")
	v1.HandleFunc("/read", a.markRead).Methods("POST")
	v1.HandleFunc("/delivered", a.markDelivered).Methods("POST")

	// Fixed paths before {id}.
	v1.HandleFunc("/rooms", a.createRoom).Methods("POST")
	v1.HandleFunc("/rooms/join", a.joinRoom).Methods("POST")
	v1.HandleFunc("/rooms/active", a.activeRoom).Methods("GET")
	v1.HandleFunc("/rooms/{id}", a.getRoom).Methods("GET")
	v1.HandleFunc("/rooms/{id}/moves", a.submitMove).Methods("POST")
	v1.HandleFunc("/rooms/{id}/abandon", a.abandonRoom).Methods("POST")
	v1.HandleFunc("/leaderboard", a.leaderboard).Methods("GET")

	v1.HandleFunc("/groups", a.createGroup).Methods("POST")
	v1.HandleFunc("/groups/{id}", a.deleteGroup).Methods("DELETE")
	v1.HandleFunc("/groups/{id}/members", a.groupMembers).Methods("GET")
	v1.HandleFunc("/groups/{id}/members", a.addGroupMembers).Methods("POST")
	v1.HandleFunc("/groups/{id}/members/{user}", a.removeGroupMember).Methods("DELETE")

	if a.Reports != nil {
		v1.HandleFunc("/reports", a.createReport).Methods("POST")
		v1.HandleFunc("/blocks", a.block).Methods("POST")
		v1.HandleFunc("/blocks/{user}", a.unblock).Methods("DELETE")
	}
	if a.Sessions != nil {
		v1.HandleFunc("/users/{user}/presence", a.presence).Methods("GET")
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   deps.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", HeaderUserID},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
