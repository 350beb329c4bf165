package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/store"
)

// RulesHandler manages distribution rules and their nested targets.
type RulesHandler struct {
	rules store.RuleStore
	queue store.QueueStore
	bus   *bus.Bus
	token TokenFunc
}

func NewRulesHandler(rules store.RuleStore, queue store.QueueStore, b *bus.Bus, token TokenFunc) *RulesHandler {
	return &RulesHandler{rules: rules, queue: queue, bus: b, token: token}
}

func (h *RulesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/distribution-rules", authMiddleware(h.token, h.handleList))
	mux.HandleFunc("POST /api/v1/distribution-rules", authMiddleware(h.token, h.handleCreate))
	mux.HandleFunc("GET /api/v1/distribution-rules/{id}", authMiddleware(h.token, h.handleGet))
	mux.HandleFunc("PATCH /api/v1/distribution-rules/{id}", authMiddleware(h.token, h.handleUpdate))
	mux.HandleFunc("DELETE /api/v1/distribution-rules/{id}", authMiddleware(h.token, h.handleDelete))
}

// ruleRequest carries a rule plus its full target set.
type ruleRequest struct {
	Name                  string                    `json:"name"`
	Description           string                    `json:"description,omitempty"`
	Enabled               *bool                     `json:"enabled,omitempty"`
	Priority              int                       `json:"priority"`
	MatchConditions       json.RawMessage           `json:"match_conditions,omitempty"`
	NSFWPolicy            string                    `json:"nsfw_policy,omitempty"`
	ApprovalRequired      bool                      `json:"approval_required"`
	AutoApproveConditions json.RawMessage           `json:"auto_approve_conditions,omitempty"`
	RateLimit             int                       `json:"rate_limit"`
	TimeWindow            int                       `json:"time_window"`
	RenderConfig          json.RawMessage           `json:"render_config,omitempty"`
	Targets               []store.DistributionTarget `json:"targets,omitempty"`
}

func (req *ruleRequest) validate() error {
	if req.Name == "" {
		return apperr.New(apperr.KindValidation, "name is required")
	}
	switch req.NSFWPolicy {
	case "", store.NSFWBlock, store.NSFWAllow, store.NSFWSeparateChannel:
	default:
		return apperr.New(apperr.KindValidation, "invalid nsfw_policy %q", req.NSFWPolicy)
	}
	if req.RateLimit < 0 || req.TimeWindow < 0 {
		return apperr.New(apperr.KindValidation, "rate_limit and time_window must be non-negative")
	}
	if len(req.MatchConditions) > 0 {
		var mc store.MatchConditions
		if err := json.Unmarshal(req.MatchConditions, &mc); err != nil {
			return apperr.Wrap(apperr.KindValidation, err, "invalid match_conditions")
		}
		if mc.TagsMatchMode != "" && mc.TagsMatchMode != "any" && mc.TagsMatchMode != "all" {
			return apperr.New(apperr.KindValidation, "tags_match_mode must be any or all")
		}
	}
	return nil
}

func (req *ruleRequest) apply(rule *store.DistributionRule) {
	rule.Name = req.Name
	rule.Description = req.Description
	if req.Enabled != nil {
		rule.Enabled = *req.Enabled
	}
	rule.Priority = req.Priority
	rule.MatchConditions = req.MatchConditions
	rule.NSFWPolicy = req.NSFWPolicy
	if rule.NSFWPolicy == "" {
		rule.NSFWPolicy = store.NSFWBlock
	}
	rule.ApprovalRequired = req.ApprovalRequired
	rule.AutoApproveConditions = req.AutoApproveConditions
	rule.RateLimit = req.RateLimit
	rule.TimeWindow = req.TimeWindow
	rule.RenderConfig = req.RenderConfig
}

func (h *RulesHandler) handleList(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	rules, err := h.rules.List(r.Context(), enabledOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules})
}

func (h *RulesHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	rule := &store.DistributionRule{Enabled: true}
	req.apply(rule)
	if err := h.rules.Create(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Targets) > 0 {
		if err := h.rules.ReplaceTargets(r.Context(), rule.ID, req.Targets); err != nil {
			writeError(w, err)
			return
		}
	}
	created, err := h.rules.Get(r.Context(), rule.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *RulesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "rule"))
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *RulesHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	var req ruleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}

	rule, err := h.rules.Get(r.Context(), id)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindNotFound, err, "rule"))
		return
	}
	req.apply(rule)
	if err := h.rules.Update(r.Context(), rule); err != nil {
		writeError(w, err)
		return
	}
	if req.Targets != nil {
		if err := h.rules.ReplaceTargets(r.Context(), id, req.Targets); err != nil {
			writeError(w, err)
			return
		}
	}
	// Disabling a rule takes its queued work with it.
	if req.Enabled != nil && !*req.Enabled {
		if n, err := h.queue.CancelForRule(r.Context(), id); err == nil && n > 0 {
			h.bus.Publish(r.Context(), bus.EventQueueUpdated, map[string]any{"rule_id": id, "canceled": n})
		}
	}

	updated, err := h.rules.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *RulesHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	if n, err := h.queue.CancelForRule(r.Context(), id); err != nil {
		slog.Warn("queue cancel on rule delete failed", "rule_id", id, "error", err)
	} else if n > 0 {
		h.bus.Publish(r.Context(), bus.EventQueueUpdated, map[string]any{"rule_id": id, "canceled": n})
	}
	if err := h.rules.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}
