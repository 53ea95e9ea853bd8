package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/seabone/internal/agent"
	"github.com/kalambet/seabone/internal/transcript"
)

type MessageRequest struct {
	Text string `json:"text"`
	// AllowedTools restricts the tools for this input. Absent means all.
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

type MessageResponse struct {
	Session string `json:"session"`
	Reply   string `json:"reply"`
}

type CompactRequest struct {
	// Flush extracts durable facts to memory before compacting.
	Flush bool `json:"flush"`
}

type TrimRequest struct {
	MaxEntries int `json:"max_entries"`
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		files, err := deps.Sessions.List()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list sessions: %v", err)
			return
		}
		if files == nil {
			files = []transcript.FileInfo{}
		}
		writeJSON(w, http.StatusOK, files)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := transcript.Policy{MaxMessages: parseIntParam(r, "limit", 0, 0)}
		msgs, err := deps.Dispatcher.History(chi.URLParam(r, "key"), p)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read history: %v", err)
			return
		}
		if msgs == nil {
			msgs = []transcript.Message{}
		}
		writeJSON(w, http.StatusOK, msgs)
	}
}

func handleMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req MessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Text) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "text is required")
			return
		}

		var allowed agent.AllowList
		if req.AllowedTools != nil {
			allowed = agent.Allow(req.AllowedTools...)
		}

		key := chi.URLParam(r, "key")
		reply, err := deps.Dispatcher.Deliver(r.Context(), key, req.Text, allowed)
		if errors.Is(err, transcript.ErrBusy) {
			httpError(w, http.StatusConflict, "busy", "session %q is busy", key)
			return
		}
		if err != nil {
			deps.Logger.Error("delivering message failed", "session", key, "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "failed to deliver message: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, MessageResponse{Session: key, Reply: reply})
	}
}

func handleCompact(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CompactRequest
		if r.ContentLength != 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
			defer r.Body.Close()
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}

		key := chi.URLParam(r, "key")
		ok, err := deps.Dispatcher.Compact(r.Context(), key, req.Flush)
		if errors.Is(err, transcript.ErrBusy) {
			httpError(w, http.StatusConflict, "busy", "session %q is busy", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compact: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusBadGateway, "api_error", "memory flush failed, session left unchanged")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "compacted", "session": key})
	}
}

func handleTrim(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req TrimRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.MaxEntries <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "max_entries must be positive")
			return
		}

		key := chi.URLParam(r, "key")
		dropped, err := deps.Sessions.Session(key).Trim(req.MaxEntries)
		if errors.Is(err, transcript.ErrBusy) {
			httpError(w, http.StatusConflict, "busy", "session %q is busy", key)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to trim: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": key, "dropped": dropped})
	}
}
