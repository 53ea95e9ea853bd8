// Package api exposes the runtime over HTTP and serves the native tools
// over MCP stdio.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/seabone/internal/agent"
	"github.com/kalambet/seabone/internal/maintenance"
	"github.com/kalambet/seabone/internal/provider"
	"github.com/kalambet/seabone/internal/storage"
	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Dispatcher runs inputs through sessions.
type Dispatcher interface {
	Deliver(ctx context.Context, key, input string, allowed agent.AllowList) (string, error)
	Compact(ctx context.Context, key string, flush bool) (bool, error)
	History(key string, p transcript.Policy) ([]transcript.Message, error)
}

// Sessions lists and trims transcripts.
type Sessions interface {
	List() ([]transcript.FileInfo, error)
	Session(key string) *transcript.Session
}

// Catalog is the aggregated tool catalog offered to the reasoning service.
type Catalog interface {
	Tools(allowed agent.AllowList) []tools.Descriptor
	CompactionFailures() map[string]int
}

// ProviderHealth reports the state of external providers.
type ProviderHealth interface {
	Health() []provider.Health
}

// Audit reads the run and tool call history.
type Audit interface {
	GetJobRun(id string) (storage.JobRun, error)
	RecentJobRuns(limit int, jobID string) ([]storage.JobRun, error)
	RecentToolInvocations(limit int, session string) ([]storage.ToolInvocation, error)
}

// Maintainer runs a maintenance pass on demand.
type Maintainer interface {
	Run(ctx context.Context) (maintenance.Report, error)
}

type Deps struct {
	Dispatcher  Dispatcher
	Sessions    Sessions
	Catalog     Catalog
	Providers   ProviderHealth
	Audit       Audit
	Maintenance Maintainer
	Token       string
	Version     string
	Started     time.Time
	Logger      *slog.Logger
}

// NewHandler returns the HTTP API. Everything except /health requires the
// bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/providers", handleProviders(deps))
		r.Get("/tools", handleTools(deps))

		r.Get("/sessions", handleListSessions(deps))
		r.Get("/sessions/{key}/history", handleHistory(deps))
		r.Post("/sessions/{key}/messages", handleMessage(deps))
		r.Post("/sessions/{key}/compact", handleCompact(deps))
		r.Post("/sessions/{key}/trim", handleTrim(deps))
		r.Post("/maintenance", handleMaintenance(deps))

		r.Get("/runs", handleListRuns(deps))
		r.Get("/runs/{id}", handleGetRun(deps))
		r.Get("/tool-calls", handleToolCalls(deps))
	})
	return r
}

type healthResponse struct {
	Status             string         `json:"status"`
	Version            string         `json:"version,omitempty"`
	Uptime             string         `json:"uptime,omitempty"`
	ProvidersReady     int            `json:"providers_ready"`
	ProvidersTotal     int            `json:"providers_total"`
	CompactionFailures map[string]int `json:"compaction_failures"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
			Status:             "ok",
			Version:            deps.Version,
			CompactionFailures: map[string]int{},
		}
		if !deps.Started.IsZero() {
			resp.Uptime = time.Since(deps.Started).Truncate(time.Second).String()
		}
		if deps.Providers != nil {
			for _, h := range deps.Providers.Health() {
				resp.ProvidersTotal++
				if h.Alive {
					resp.ProvidersReady++
				}
			}
		}
		if deps.Catalog != nil {
			resp.CompactionFailures = deps.Catalog.CompactionFailures()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleProviders(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := []provider.Health{}
		if deps.Providers != nil {
			health = append(health, deps.Providers.Health()...)
		}
		writeJSON(w, http.StatusOK, health)
	}
}

func handleTools(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		descs := append([]tools.Descriptor{}, deps.Catalog.Tools(nil)...)
		writeJSON(w, http.StatusOK, descs)
	}
}

func handleListRuns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 500)
		runs, err := deps.Audit.RecentJobRuns(limit, r.URL.Query().Get("job"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list runs: %v", err)
			return
		}
		if runs == nil {
			runs = []storage.JobRun{}
		}
		writeJSON(w, http.StatusOK, runs)
	}
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := deps.Audit.GetJobRun(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, run)
	}
}

func handleToolCalls(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 500)
		invs, err := deps.Audit.RecentToolInvocations(limit, r.URL.Query().Get("session"))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tool calls: %v", err)
			return
		}
		if invs == nil {
			invs = []storage.ToolInvocation{}
		}
		writeJSON(w, http.StatusOK, invs)
	}
}

func handleMaintenance(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Maintenance == nil {
			httpError(w, http.StatusNotImplemented, "api_error", "maintenance is not configured")
			return
		}
		rep, err := deps.Maintenance.Run(r.Context())
		if err != nil {
			deps.Logger.Warn("maintenance finished with errors", "error", err)
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
