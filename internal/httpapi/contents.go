package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/distq"
	"github.com/vaultstream/vaultstream/internal/match"
	"github.com/vaultstream/vaultstream/internal/store"
	"github.com/vaultstream/vaultstream/internal/taskqueue"
)

// Batch size caps.
const (
	maxBatchUpdate  = 100
	maxBatchDelete  = 100
	maxBatchReParse = 20
)

// ContentsHandler manages archived contents and their review lifecycle.
type ContentsHandler struct {
	contents store.ContentStore
	queue    store.QueueStore
	tasks    *taskqueue.Queue
	engine   *match.Engine
	distq    *distq.Service
	bus      *bus.Bus
	token    TokenFunc
}

func NewContentsHandler(contents store.ContentStore, queue store.QueueStore, tasks *taskqueue.Queue,
	engine *match.Engine, dq *distq.Service, b *bus.Bus, token TokenFunc) *ContentsHandler {
	return &ContentsHandler{
		contents: contents, queue: queue, tasks: tasks,
		engine: engine, distq: dq, bus: b, token: token,
	}
}

func (h *ContentsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/contents", authMiddleware(h.token, h.handleList))
	mux.HandleFunc("GET /api/v1/contents/{id}", authMiddleware(h.token, h.handleGet))
	mux.HandleFunc("PATCH /api/v1/contents/{id}", authMiddleware(h.token, h.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/contents/{id}", authMiddleware(h.token, h.handleDelete))
	mux.HandleFunc("POST /api/v1/contents/{id}/re-parse", authMiddleware(h.token, h.handleReParse))
	mux.HandleFunc("POST /api/v1/contents/{id}/review", authMiddleware(h.token, h.handleReview))
	mux.HandleFunc("POST /api/v1/contents/batch-update", authMiddleware(h.token, h.handleBatchUpdate))
	mux.HandleFunc("POST /api/v1/contents/batch-delete", authMiddleware(h.token, h.handleBatchDelete))
	mux.HandleFunc("POST /api/v1/contents/batch-re-parse", authMiddleware(h.token, h.handleBatchReParse))
}

func (h *ContentsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	page, size := pagination(r)
	q := r.URL.Query()
	f := store.ContentFilter{
		Page:         page,
		Size:         size,
		Platform:     q.Get("platform"),
		Status:       q.Get("status"),
		ReviewStatus: q.Get("review_status"),
		Tag:          q.Get("tag"),
		Query:        q.Get("q"),
		ExcludeRaw:   strings.Contains(q.Get("exclude_fields"), "raw_metadata"),
	}
	items, total, err := h.contents.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items, "total": total, "page": page, "size": size,
		"has_more": int64(page*size) < total,
	})
}

func (h *ContentsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := h.contents.Get(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "content"))
		return
	}
	sources, err := h.contents.ListSources(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"content": c, "sources": sources})
}

// contentPatch is the operator-editable subset.
type contentPatch struct {
	Title              *string   `json:"title,omitempty"`
	Description        *string   `json:"description,omitempty"`
	Tags               *[]string `json:"tags,omitempty"`
	IsNSFW             *bool     `json:"is_nsfw,omitempty"`
	LayoutTypeOverride *string   `json:"layout_type_override,omitempty"`
}

func applyPatch(c *store.Content, p *contentPatch) error {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Tags != nil {
		c.Tags = *p.Tags
	}
	if p.IsNSFW != nil {
		c.IsNSFW = *p.IsNSFW
	}
	if p.LayoutTypeOverride != nil {
		if *p.LayoutTypeOverride == "" {
			c.LayoutTypeOverride = nil
		} else {
			if !store.ValidLayoutType(*p.LayoutTypeOverride) {
				return apperr.New(apperr.KindValidation, "invalid layout type %q", *p.LayoutTypeOverride)
			}
			c.LayoutTypeOverride = p.LayoutTypeOverride
		}
	}
	return nil
}

func (h *ContentsHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var patch contentPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, err)
		return
	}
	c, err := h.contents.Get(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "content"))
		return
	}
	if err := applyPatch(c, &patch); err != nil {
		writeError(w, err)
		return
	}
	if err := h.contents.Update(r.Context(), c); err != nil {
		writeError(w, err)
		return
	}
	h.bus.Publish(r.Context(), bus.EventContentUpdated, map[string]any{"content_id": c.ID})
	writeJSON(w, http.StatusOK, c)
}

func (h *ContentsHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.queue.CancelForContent(r.Context(), id); err != nil {
		slog.Warn("queue cancel on delete failed", "content_id", id, "error", err)
	}
	if err := h.contents.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	h.bus.Publish(r.Context(), bus.EventContentDeleted, map[string]any{"content_id": id})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (h *ContentsHandler) handleReParse(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := h.contents.Get(r.Context(), id); err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "content"))
		return
	}
	taskID, err := h.tasks.EnqueueParse(r.Context(), id, true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"content_id": id, "task_id": taskID})
}

type reviewRequest struct {
	Action string `json:"action"` // approve or reject
	By     string `json:"by,omitempty"`
	Note   string `json:"note,omitempty"`
}

// handleReview resolves a pending review. Approval releases the content's
// held queue items and re-runs matching so rules gated on review status
// pick it up.
func (h *ContentsHandler) handleReview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	var status string
	switch req.Action {
	case "approve":
		status = store.ReviewApproved
	case "reject":
		status = store.ReviewRejected
	default:
		writeError(w, apperr.New(apperr.KindValidation, "action must be approve or reject"))
		return
	}
	by := req.By
	if by == "" {
		by = "operator"
	}

	now := time.Now().UTC()
	if err := h.contents.SetReview(r.Context(), id, status, by, req.Note, now); err != nil {
		writeError(w, err)
		return
	}

	var released int64
	if status == store.ReviewApproved {
		released, err = h.queue.ApproveForContent(r.Context(), id, by, now)
		if err != nil {
			writeError(w, err)
			return
		}
		if c, err := h.contents.Get(r.Context(), id); err == nil {
			if _, err := h.engine.MatchAndEnqueue(r.Context(), c); err != nil {
				slog.Warn("match after approval failed", "content_id", id, "error", err)
			}
		}
		h.distq.Wake()
	} else {
		released, err = h.queue.CancelForContent(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	h.bus.Publish(r.Context(), bus.EventContentUpdated, map[string]any{
		"content_id": id, "review_status": status,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"content_id": id, "review_status": status, "queue_items_affected": released,
	})
}

type batchUpdateRequest struct {
	IDs   []int64      `json:"ids"`
	Patch contentPatch `json:"patch"`
}

func (h *ContentsHandler) handleBatchUpdate(w http.ResponseWriter, r *http.Request) {
	var req batchUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchUpdate {
		writeError(w, apperr.New(apperr.KindValidation, "ids must contain 1 to %d entries", maxBatchUpdate))
		return
	}

	updated := 0
	for _, id := range req.IDs {
		c, err := h.contents.Get(r.Context(), id)
		if err != nil {
			continue
		}
		if err := applyPatch(c, &req.Patch); err != nil {
			writeError(w, err)
			return
		}
		if err := h.contents.Update(r.Context(), c); err != nil {
			continue
		}
		updated++
	}
	if updated > 0 {
		h.bus.Publish(r.Context(), bus.EventContentUpdated, map[string]any{"batch": true, "updated": updated})
	}
	writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
}

type batchIDsRequest struct {
	IDs []int64 `json:"ids"`
}

func (h *ContentsHandler) handleBatchDelete(w http.ResponseWriter, r *http.Request) {
	var req batchIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchDelete {
		writeError(w, apperr.New(apperr.KindValidation, "ids must contain 1 to %d entries", maxBatchDelete))
		return
	}

	deleted := 0
	for _, id := range req.IDs {
		if _, err := h.queue.CancelForContent(r.Context(), id); err != nil {
			slog.Warn("queue cancel on batch delete failed", "content_id", id, "error", err)
		}
		if err := h.contents.Delete(r.Context(), id); err != nil {
			continue
		}
		h.bus.Publish(r.Context(), bus.EventContentDeleted, map[string]any{"content_id": id})
		deleted++
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

func (h *ContentsHandler) handleBatchReParse(w http.ResponseWriter, r *http.Request) {
	var req batchIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.IDs) == 0 || len(req.IDs) > maxBatchReParse {
		writeError(w, apperr.New(apperr.KindValidation, "ids must contain 1 to %d entries", maxBatchReParse))
		return
	}

	enqueued := 0
	for _, id := range req.IDs {
		if _, err := h.contents.Get(r.Context(), id); err != nil {
			continue
		}
		if _, err := h.tasks.EnqueueParse(r.Context(), id, true); err != nil {
			continue
		}
		enqueued++
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"enqueued": enqueued})
}
