package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/vaultstream/vaultstream/internal/adapters"
	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/store"
	"github.com/vaultstream/vaultstream/internal/taskqueue"
)

// SharesHandler accepts URL submissions.
type SharesHandler struct {
	contents store.ContentStore
	registry *adapters.Registry
	tasks    *taskqueue.Queue
	bus      *bus.Bus
	token    TokenFunc
}

func NewSharesHandler(contents store.ContentStore, registry *adapters.Registry,
	tasks *taskqueue.Queue, b *bus.Bus, token TokenFunc) *SharesHandler {
	return &SharesHandler{contents: contents, registry: registry, tasks: tasks, bus: b, token: token}
}

func (h *SharesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/shares", authMiddleware(h.token, h.handleCreate))
}

type shareRequest struct {
	URL                string   `json:"url"`
	Source             string   `json:"source,omitempty"`
	Note               string   `json:"note,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	IsNSFW             bool     `json:"is_nsfw,omitempty"`
	LayoutTypeOverride string   `json:"layout_type_override,omitempty"`
}

// shareResponse carries the content id under both keys; older clients read
// content_id, the documented surface names id.
type shareResponse struct {
	ID        int64  `json:"id"`
	ContentID int64  `json:"content_id"`
	Platform  string `json:"platform"`
	Created   bool   `json:"created"`
	Status    string `json:"status"`
	TaskID    int64  `json:"task_id,omitempty"`
}

// handleCreate registers a shared URL. Re-submitting a URL that resolves to
// a known canonical form returns the existing content and records another
// source without scheduling a second parse.
func (h *SharesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req shareRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.URL == "" {
		writeError(w, apperr.New(apperr.KindValidation, "url is required"))
		return
	}
	if req.LayoutTypeOverride != "" && !store.ValidLayoutType(req.LayoutTypeOverride) {
		writeError(w, apperr.New(apperr.KindValidation, "invalid layout type %q", req.LayoutTypeOverride))
		return
	}

	route, err := h.registry.Resolve(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}

	created := false
	c, err := h.contents.GetByCanonicalURL(r.Context(), route.Platform, route.CanonicalURL)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c = &store.Content{
			Platform:     route.Platform,
			URL:          req.URL,
			CanonicalURL: route.CanonicalURL,
			Tags:         req.Tags,
			IsNSFW:       req.IsNSFW,
			Status:       store.ContentUnprocessed,
			ReviewStatus: store.ReviewPending,
			LayoutType:   store.LayoutArticle,
		}
		if req.LayoutTypeOverride != "" {
			c.LayoutTypeOverride = &req.LayoutTypeOverride
		}
		// Create resolves a concurrent duplicate to the existing row.
		if err := h.contents.Create(r.Context(), c); err != nil {
			writeError(w, err)
			return
		}
		created = true
	case err != nil:
		writeError(w, err)
		return
	}

	source := &store.ContentSource{
		ContentID: c.ID,
		URL:       req.URL,
		Source:    req.Source,
		Note:      req.Note,
		Tags:      req.Tags,
	}
	if err := h.contents.AddSource(r.Context(), source); err != nil {
		slog.Warn("share source record failed", "content_id", c.ID, "error", err)
	}

	var taskID int64
	if c.Status == store.ContentUnprocessed || c.Status == store.ContentFailed {
		taskID, err = h.tasks.EnqueueParse(r.Context(), c.ID, false)
		if err != nil {
			slog.Warn("parse enqueue failed", "content_id", c.ID, "error", err)
		}
	}

	if created {
		h.bus.Publish(r.Context(), bus.EventContentCreated, map[string]any{
			"content_id": c.ID, "platform": c.Platform, "canonical_url": c.CanonicalURL,
		})
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, shareResponse{
		ID: c.ID, ContentID: c.ID, Platform: c.Platform, Created: created, Status: c.Status, TaskID: taskID,
	})
}
