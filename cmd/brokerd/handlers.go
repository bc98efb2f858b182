package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authbroker/pkg/auth"
	"github.com/stacklok/authbroker/pkg/brokererr"
	"github.com/stacklok/authbroker/pkg/delegation"
	"github.com/stacklok/authbroker/pkg/oauthredirect"
)

func authorizeHandler(h *oauthredirect.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		result, err := h.Authorize(r.Context(), q.Get("redirect_uri"), q["scope"], q.Get("state"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func callbackHandler(h *oauthredirect.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		resp, err := h.Callback(r.Context(), q.Get("session_id"), q.Get("code"), q.Get("state"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type delegateRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

func delegateHandler(registry *delegation.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		moduleName := chi.URLParam(r, "module")

		var body delegateRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		session, _ := auth.SessionFromContext(r.Context())
		if session == nil || session.Rejected {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		result, err := registry.Delegate(r.Context(), moduleName, session, delegation.Request{
			Operation: body.Operation,
			Params:    body.Params,
		})
		if err != nil {
			// The full error, which can name the rejected identifier, is in
			// the registry's audit entry; the caller sees only its kind.
			msg := "delegation failed"
			var be *brokererr.Error
			if errors.As(err, &be) {
				msg = string(be.Kind)
			}
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": msg})
			return
		}

		writeJSON(w, http.StatusOK, result)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
