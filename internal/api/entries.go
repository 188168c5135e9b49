// Package api exposes the entry store over a local HTTP API and as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/memex/internal/entry"
)

const maxRequestBodySize = 1 << 20 // 1MB

// EntryService is the subset of entry.Service the API drives.
type EntryService interface {
	Create(ctx context.Context, raw string) (entry.Entry, error)
	Get(ctx context.Context, id string) (entry.Entry, error)
	ListActive(ctx context.Context) ([]entry.Entry, error)
	Update(ctx context.Context, id string, p entry.Patch) error
	ToggleType(ctx context.Context, e entry.Entry) (entry.Entry, error)
	ToggleItem(ctx context.Context, e entry.Entry, index int) ([]entry.ChecklistItem, error)
	Archive(ctx context.Context, id string) error
	Reconcile(ctx context.Context) (entry.ReconcileResult, error)
	Health(ctx context.Context) entry.Health
}

// Sweeper triggers and reports archiving sweeps.
type Sweeper interface {
	RunOnce(ctx context.Context) (entry.SweepResult, error)
	LastRun(ctx context.Context) (time.Time, bool, error)
}

// RepairCounter reports queued mirror repairs.
type RepairCounter interface {
	Pending(ctx context.Context) (int, error)
}

type AppDeps struct {
	Service  EntryService
	Archiver Sweeper
	Repairs  RepairCounter // optional
	Token    string        // optional; when set every route but /health needs it
}

type CaptureRequest struct {
	Text string `json:"text"`
}

// PatchRequest is the body of PATCH /entries/{id}. Absent fields are left
// unchanged.
type PatchRequest struct {
	RawText  *string                `json:"rawText"`
	Type     *entry.Type            `json:"type"`
	Items    *[]entry.ChecklistItem `json:"items"`
	Archived *bool                  `json:"archived"`
}

type StatusResponse struct {
	Health         entry.Health `json:"health"`
	LastSweep      *time.Time   `json:"lastSweep"`
	PendingRepairs int          `json:"pendingRepairs"`
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	if deps.Token != "" {
		r.Use(BearerAuth(deps.Token, "/health"))
	}

	r.Get("/health", handleHealth(deps))

	r.Route("/entries", func(r chi.Router) {
		r.Get("/", handleListEntries(deps))
		r.Post("/", handleCapture(deps))
		r.Get("/{id}", handleGetEntry(deps))
		r.Patch("/{id}", handlePatchEntry(deps))
		r.Post("/{id}/toggle-type", handleToggleType(deps))
		r.Post("/{id}/items/{index}/toggle", handleToggleItem(deps))
		r.Post("/{id}/archive", handleArchive(deps))
	})

	r.Route("/maintenance", func(r chi.Router) {
		r.Post("/sweep", handleSweep(deps))
		r.Post("/reconcile", handleReconcile(deps))
		r.Get("/status", handleStatus(deps))
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := deps.Service.Health(r.Context())
		if !h.Open {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "open": false, "entries": 0})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "open": true, "entries": h.Entries})
	}
}

func handleListEntries(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := deps.Service.ListActive(r.Context())
		if err != nil {
			serviceError(w, "list entries", err)
			return
		}
		if entries == nil {
			entries = []entry.Entry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleCapture(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CaptureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		e, err := deps.Service.Create(r.Context(), req.Text)
		if err != nil {
			serviceError(w, "capture entry", err)
			return
		}
		writeJSON(w, http.StatusCreated, e)
	}
}

func handleGetEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "get entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handlePatchEntry(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req PatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.RawText == nil && req.Type == nil && req.Items == nil && req.Archived == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no fields to update")
			return
		}

		id := chi.URLParam(r, "id")
		p := entry.Patch{RawText: req.RawText, Type: req.Type, Items: req.Items, Archived: req.Archived}
		if err := deps.Service.Update(r.Context(), id, p); err != nil {
			serviceError(w, "update entry", err)
			return
		}

		e, err := deps.Service.Get(r.Context(), id)
		if err != nil {
			serviceError(w, "reload entry", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleToggleType(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		e, err := deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "get entry", err)
			return
		}
		e, err = deps.Service.ToggleType(r.Context(), e)
		if err != nil {
			serviceError(w, "toggle type", err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func handleToggleItem(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		index, err := strconv.Atoi(chi.URLParam(r, "index"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "item index must be an integer")
			return
		}

		e, err := deps.Service.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			serviceError(w, "get entry", err)
			return
		}
		items, err := deps.Service.ToggleItem(r.Context(), e, index)
		if err != nil {
			serviceError(w, "toggle item", err)
			return
		}
		e.Items = items
		writeJSON(w, http.StatusOK, e)
	}
}

func handleArchive(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Service.Archive(r.Context(), id); err != nil {
			serviceError(w, "archive entry", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "archived"})
	}
}

func handleSweep(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Archiver.RunOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "sweep failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleReconcile(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := deps.Service.Reconcile(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reconcile failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{Health: deps.Service.Health(r.Context())}

		last, ok, err := deps.Archiver.LastRun(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read last sweep: %v", err)
			return
		}
		if ok {
			utc := last.UTC()
			resp.LastSweep = &utc
		}

		if deps.Repairs != nil {
			n, err := deps.Repairs.Pending(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to count repairs: %v", err)
				return
			}
			resp.PendingRepairs = n
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
