package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"mpkbot/account"
)

// Identity headers set by the authenticating proxy in front of the service.
const (
	headerUserID    = "X-Goog-Authenticated-User-Id"
	headerUserEmail = "X-Goog-Authenticated-User-Email"
	identityPrefix  = "accounts.google.com:"
)

type userKey struct{}

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// authenticate requires the proxy identity headers and keeps the user's
// directory entry current.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(headerUserID)), identityPrefix)
		if id == "" {
			s.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		email := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(headerUserEmail)), identityPrefix)

		if _, err := s.accounts.Register(r.Context(), id, email); err != nil {
			s.logger.Error("Failed to register user", "user_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to load user")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, id)))
	})
}

type subscriptionResponse struct {
	ID     string   `json:"id"`
	Tokens []string `json:"tokens"`
}

type addSubscriptionRequest struct {
	Tokens []string `json:"tokens"`
}

func (s *Server) handleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.accounts.Subscriptions(r.Context(), userID(r.Context()))
	if err != nil {
		s.logger.Error("Failed to list subscriptions", "user_id", userID(r.Context()), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	out := make([]subscriptionResponse, 0, len(subs))
	for _, sub := range subs {
		out = append(out, subscriptionResponse{ID: sub.ID, Tokens: sub.Tokens})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddSubscription(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	var req addSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	sub, err := s.accounts.AddSubscription(r.Context(), userID(r.Context()), req.Tokens)
	if err != nil {
		var verr *account.ValidationError
		if errors.As(err, &verr) {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Message, "field": verr.Field})
			return
		}
		s.logger.Error("Failed to add subscription", "user_id", userID(r.Context()), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to add subscription")
		return
	}
	s.writeJSON(w, http.StatusCreated, subscriptionResponse{ID: sub.ID, Tokens: sub.Tokens})
}

func (s *Server) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.accounts.DeleteSubscription(r.Context(), userID(r.Context()), id); err != nil {
		s.logger.Error("Failed to delete subscription", "user_id", userID(r.Context()), "subscription_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	courses, err := s.accounts.NotifiedCourses(r.Context(), userID(r.Context()))
	if err != nil {
		s.logger.Error("Failed to list notifications", "user_id", userID(r.Context()), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list notifications")
		return
	}
	s.writeJSON(w, http.StatusOK, courses)
}

func (s *Server) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.accounts.DeleteAccount(r.Context(), userID(r.Context())); err != nil {
		s.logger.Error("Failed to delete account", "user_id", userID(r.Context()), "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete account")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryTokens splits every q parameter on whitespace.
func queryTokens(r *http.Request) []string {
	var tokens []string
	for _, q := range r.URL.Query()["q"] {
		tokens = append(tokens, strings.Fields(q)...)
	}
	return tokens
}
