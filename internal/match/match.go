// Package match is the rule-matching and approval engine: it evaluates a
// content against every enabled distribution rule, applies the NSFW and
// approval gates, checks per-target dedup and rate limits, and expands the
// survivors into queue items.
package match

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/store"
)

// NSFW routing outcomes recorded on queue items.
const (
	routeDefault  = "default"
	routeRedirect = "nsfw_channel"
)

// Engine expands contents into queue items.
type Engine struct {
	rules  store.RuleStore
	queue  store.QueueStore
	pushed store.PushedStore
	bots   store.BotStore
	bus    *bus.Bus
	now    func() time.Time
}

func NewEngine(rules store.RuleStore, queue store.QueueStore, pushed store.PushedStore, bots store.BotStore, b *bus.Bus) *Engine {
	return &Engine{rules: rules, queue: queue, pushed: pushed, bots: bots, bus: b, now: func() time.Time { return time.Now().UTC() }}
}

// SetClock overrides time for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Result summarizes one matching pass.
type Result struct {
	MatchedRules int
	ItemsCreated int
	ItemsUpdated int
	Skipped      int
}

// MatchAndEnqueue evaluates every enabled rule against the content and
// upserts queue items for each surviving target. Re-running is idempotent
// on the (content, rule, target) key.
func (e *Engine) MatchAndEnqueue(ctx context.Context, c *store.Content) (*Result, error) {
	rules, err := e.rules.List(ctx, true)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for i := range rules {
		rule := &rules[i]
		if !RuleMatches(rule, c) {
			continue
		}
		if c.IsNSFW && rule.NSFWPolicy == store.NSFWBlock {
			continue
		}
		res.MatchedRules++
		needsApproval := rule.ApprovalRequired &&
			c.ReviewStatus != store.ReviewApproved && c.ReviewStatus != store.ReviewAutoApproved

		for j := range rule.Targets {
			target := &rule.Targets[j]
			if !target.Enabled {
				continue
			}
			created, updated, err := e.enqueueTarget(ctx, c, rule, target, needsApproval)
			if err != nil {
				slog.Error("queue item upsert failed",
					"content_id", c.ID, "rule_id", rule.ID, "target_id", target.ID, "error", err)
				continue
			}
			switch {
			case created:
				res.ItemsCreated++
			case updated:
				res.ItemsUpdated++
			default:
				res.Skipped++
			}
		}
	}

	if res.ItemsCreated > 0 || res.ItemsUpdated > 0 {
		e.bus.Publish(ctx, bus.EventQueueUpdated, map[string]any{
			"content_id": c.ID,
			"created":    res.ItemsCreated,
			"updated":    res.ItemsUpdated,
		})
	}
	return res, nil
}

func (e *Engine) enqueueTarget(ctx context.Context, c *store.Content, rule *store.DistributionRule, target *store.DistributionTarget, needsApproval bool) (created, updated bool, err error) {
	chat, err := e.bots.GetChat(ctx, target.BotChatID)
	if err != nil {
		return false, false, err
	}
	if !chat.Enabled || !chat.CanPost {
		return false, false, nil
	}

	routing := routeDefault
	if c.IsNSFW && rule.NSFWPolicy == store.NSFWSeparateChannel {
		// No redirect chat configured: skip this target rather than leak
		// into the default channel.
		if chat.NSFWChatID == nil || *chat.NSFWChatID == "" {
			return false, false, nil
		}
		routing = routeRedirect
	}

	// Dedup: an existing delivery record blocks the target unless the
	// content was re-reviewed after the push.
	reopen := false
	rec, err := e.pushed.Get(ctx, c.ID, target.ID)
	switch {
	case err == nil:
		if c.ReviewedAt == nil || !c.ReviewedAt.After(rec.PushedAt) {
			return false, false, nil
		}
		reopen = true
	case errors.Is(err, store.ErrNotFound):
		// first delivery
	default:
		return false, false, err
	}

	now := e.now()
	scheduledAt := now
	passedRate := true
	var rateReason *string
	if rule.RateLimit > 0 && rule.TimeWindow > 0 {
		shifted, reason, err := e.rateLimitSlot(ctx, target.ID, rule.RateLimit, rule.TimeWindow, now)
		if err != nil {
			return false, false, err
		}
		if reason != "" {
			scheduledAt = shifted
			passedRate = false
			rateReason = &reason
		}
	}

	status := store.QueueScheduled
	if needsApproval {
		status = store.QueuePending
	}
	item := &store.ContentQueueItem{
		ContentID:       c.ID,
		RuleID:          rule.ID,
		BotChatID:       target.BotChatID,
		Status:          status,
		ScheduledAt:     &scheduledAt,
		Priority:        rule.Priority,
		NeedsApproval:   needsApproval,
		PassedRateLimit: passedRate,
		RateLimitReason: rateReason,
	}
	r := routing
	item.NSFWRoutingResult = &r

	wasCreated, err := e.queue.Upsert(ctx, item, reopen)
	if err != nil {
		return false, false, err
	}
	return wasCreated, !wasCreated, nil
}

// rateLimitSlot computes the earliest slot for one more push to the target
// under its sliding window, reading the window from pushed_records so the
// answer is correct across workers without shared state.
func (e *Engine) rateLimitSlot(ctx context.Context, targetID int64, limit, windowSec int, now time.Time) (time.Time, string, error) {
	window := time.Duration(windowSec) * time.Second
	count, err := e.pushed.CountSince(ctx, targetID, now.Add(-window))
	if err != nil {
		return now, "", err
	}
	if count+1 <= int64(limit) {
		return now, "", nil
	}
	shift := time.Duration(float64(window)/float64(limit) + 0.5)
	at := now.Add(shift)
	return at, "rate limit: " + at.Format(time.RFC3339), nil
}

// RuleMatches evaluates the rule's match_conditions against the content.
func RuleMatches(rule *store.DistributionRule, c *store.Content) bool {
	mc := rule.Conditions()
	return conditionsMatch(mc, c)
}

func conditionsMatch(mc store.MatchConditions, c *store.Content) bool {
	if mc.Platform != "" && mc.Platform != "*" && mc.Platform != c.Platform {
		return false
	}
	if mc.IsNSFW != nil && *mc.IsNSFW != c.IsNSFW {
		return false
	}
	if len(mc.Tags) > 0 {
		if mc.TagsMatchMode == "all" {
			if !containsAll(c.Tags, mc.Tags) {
				return false
			}
		} else if !intersects(c.Tags, mc.Tags) {
			return false
		}
	}
	if len(mc.TagsExclude) > 0 && intersects(c.Tags, mc.TagsExclude) {
		return false
	}
	return true
}

// ShouldAutoApprove reports whether any enabled matching rule's
// auto_approve_conditions are satisfied by the content.
func ShouldAutoApprove(rules []store.DistributionRule, c *store.Content) bool {
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled || !RuleMatches(rule, c) {
			continue
		}
		if len(rule.AutoApproveConditions) == 0 || string(rule.AutoApproveConditions) == "{}" {
			continue
		}
		var mc store.MatchConditions
		if err := json.Unmarshal(rule.AutoApproveConditions, &mc); err != nil {
			continue
		}
		if conditionsMatch(mc, c) {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if set[s] {
			return true
		}
	}
	return false
}

func containsAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, s := range have {
		set[s] = true
	}
	for _, s := range want {
		if !set[s] {
			return false
		}
	}
	return true
}
