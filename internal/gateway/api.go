// ABOUTME: HTTP routes beside the control channel: health, session admin and pairing callback
// ABOUTME: Errors are JSON {"error": ...}; session routes honor session-scoped tokens

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/conversation"
	"github.com/2389/tether/internal/session"
	"github.com/2389/tether/internal/store"
)

// RatingRequest is the body of a rating update.
type RatingRequest struct {
	Rating string `json:"raiting"`
}

// SessionsResponse lists live sessions and sessions that only have stored credentials.
type SessionsResponse struct {
	Live   []session.Session `json:"live"`
	Stored []string          `json:"stored"`
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	// no auth: probes and the browser side of pairing
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("GET /pair/callback", g.handlePairCallback)

	// the control channel authenticates before upgrading
	mux.Handle("GET /ws", g.control)

	authn := auth.HTTPAuthMiddleware(g.verifier)
	admin := func(h http.HandlerFunc) http.Handler {
		return authn(auth.RequireAdminHTTP(g.verifier)(h))
	}
	scoped := func(h http.HandlerFunc) http.Handler {
		return authn(g.requireSession(h))
	}

	mux.Handle("GET /api/sessions", admin(g.handleListSessions))
	mux.Handle("GET /api/sessions/{id}", scoped(g.handleGetSession))
	mux.Handle("POST /api/sessions/{id}/logout", scoped(g.handleLogout))
	mux.Handle("GET /api/sessions/{id}/conversations", scoped(g.handleConversations))
	mux.Handle("GET /api/sessions/{id}/conversations/{conversation}", scoped(g.handleConversation))
	mux.Handle("PUT /api/sessions/{id}/conversations/{conversation}/messages/{message}/rating", scoped(g.handleRating))

	return mux
}

// requireSession rejects tokens that do not grant the {id} session.
func (g *Gateway) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.verifier != nil {
			claims, ok := auth.FromContext(r.Context())
			if !ok || !claims.Allows(r.PathValue("id")) {
				g.sendJSONError(w, http.StatusForbidden, auth.ErrWrongSession.Error())
				return
			}
		}
		next(w, r)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response", "error", err)
	}
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", len(g.sessions.List()))
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	stored, err := g.creds.Sessions(r.Context())
	if err != nil {
		g.logger.Error("listing stored sessions", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if stored == nil {
		stored = []string{}
	}
	g.writeJSON(w, SessionsResponse{Live: g.sessions.List(), Stored: stored})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, ok := g.sessions.Snapshot(r.PathValue("id"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	g.writeJSON(w, snap)
}

// handleLogout logs the session out and purges its credentials, live or not.
func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := g.sessions.Logout(r.Context(), sessionID); err != nil {
		g.logger.Error("logging out session", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	convs, err := g.assembler.Assemble(r.Context(), sessionID)
	if err != nil {
		g.logger.Error("assembling conversations", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	g.writeJSON(w, convs)
}

func (g *Gateway) handleConversation(w http.ResponseWriter, r *http.Request) {
	sessionID, conversationID := r.PathValue("id"), r.PathValue("conversation")
	conv, err := g.assembler.AssembleOne(r.Context(), sessionID, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "conversation not found")
		return
	case err != nil:
		g.logger.Error("assembling conversation", "session_id", sessionID, "conversation_id", conversationID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	g.writeJSON(w, conv)
}

// handleRating records operator feedback on one message and re-broadcasts
// the transcript so attached observers see it.
func (g *Gateway) handleRating(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	conversationID := r.PathValue("conversation")
	messageID := r.PathValue("message")

	var req RatingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	rating := conversation.NormalizeRating(req.Rating)
	if rating == store.RatingNone && req.Rating != "" {
		g.sendJSONError(w, http.StatusBadRequest, "rating must be like, dislike or empty")
		return
	}

	err := g.store.SetRating(r.Context(), sessionID, conversationID, messageID, rating)
	switch {
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "message not found")
		return
	case err != nil:
		g.logger.Error("setting rating", "session_id", sessionID, "message_id", messageID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	g.sessions.Refresh(r.Context(), sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// handlePairCallback is where the protocol's browser login lands. It hands
// the login token to the session's pending connection.
func (g *Gateway) handlePairCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID, token := q.Get("session"), q.Get("loginToken")
	if sessionID == "" || token == "" {
		g.sendJSONError(w, http.StatusBadRequest, "session and loginToken are required")
		return
	}

	err := g.sessions.CompletePairing(r.Context(), sessionID, token)
	switch {
	case errors.Is(err, session.ErrNoActiveConnection):
		g.sendJSONError(w, http.StatusConflict, "session is not waiting for pairing")
		return
	case errors.Is(err, session.ErrPairingUnsupported):
		g.sendJSONError(w, http.StatusNotImplemented, err.Error())
		return
	case err != nil:
		g.logger.Warn("pairing failed", "session_id", sessionID, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "pairing failed")
		return
	}

	g.logger.Info("pairing completed", "session_id", sessionID)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("Paired. You can close this window."))
}
