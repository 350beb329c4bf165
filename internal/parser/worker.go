// Package parser runs the parse workers: claim a parse task, invoke the
// routed adapter, archive media, persist the normalized content and hand
// it to the match engine.
package parser

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vaultstream/vaultstream/internal/adapters"
	"github.com/vaultstream/vaultstream/internal/apperr"
	"github.com/vaultstream/vaultstream/internal/archive"
	"github.com/vaultstream/vaultstream/internal/bus"
	"github.com/vaultstream/vaultstream/internal/match"
	"github.com/vaultstream/vaultstream/internal/settings"
	"github.com/vaultstream/vaultstream/internal/store"
	"github.com/vaultstream/vaultstream/internal/taskqueue"
)

// Options tune the worker pool.
type Options struct {
	Concurrency    int           // parallel parses, default 4
	PollInterval   time.Duration // default 2s
	AdapterTimeout time.Duration // per parse call, default 30s
}

// Worker is one parse worker process.
type Worker struct {
	id       string
	tasks    *taskqueue.Queue
	contents store.ContentStore
	rules    store.RuleStore
	registry *adapters.Registry
	archiver *archive.Archiver
	engine   *match.Engine
	settings *settings.Service
	bus      *bus.Bus
	opts     Options
}

func NewWorker(tasks *taskqueue.Queue, contents store.ContentStore, rules store.RuleStore,
	registry *adapters.Registry, archiver *archive.Archiver, engine *match.Engine,
	st *settings.Service, b *bus.Bus, opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.AdapterTimeout <= 0 {
		opts.AdapterTimeout = 30 * time.Second
	}
	return &Worker{
		id:       "parse-" + uuid.NewString()[:8],
		tasks:    tasks,
		contents: contents,
		rules:    rules,
		registry: registry,
		archiver: archiver,
		engine:   engine,
		settings: st,
		bus:      b,
		opts:     opts,
	}
}

// Run polls for parse tasks until ctx is canceled. Claimed tasks run on a
// bounded pool; on cancellation in-flight parses finish or their lease
// expires for another worker.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("parse worker started", "worker_id", w.id, "concurrency", w.opts.Concurrency)
	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("parse worker stopping", "worker_id", w.id)
			return ctx.Err()
		case <-ticker.C:
		}

		claimed, err := w.tasks.Claim(ctx, w.id, []string{store.TaskParse}, w.opts.Concurrency)
		if err != nil {
			slog.Warn("parse claim failed", "worker_id", w.id, "error", err)
			continue
		}
		if len(claimed) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(w.opts.Concurrency)
		for i := range claimed {
			task := claimed[i]
			g.Go(func() error {
				w.handle(gctx, &task)
				return nil
			})
		}
		g.Wait()
	}
}

func (w *Worker) handle(ctx context.Context, task *store.Task) {
	var payload taskqueue.ParsePayload
	if err := json.Unmarshal([]byte(task.PayloadJSON), &payload); err != nil {
		w.tasks.HandleFailure(ctx, task, apperr.Wrap(apperr.KindValidation, err, "decode parse payload"))
		return
	}
	if err := w.parse(ctx, payload); err != nil {
		slog.Warn("parse failed", "task_id", task.ID, "content_id", payload.ContentID,
			"kind", apperr.KindOf(err).String(), "error", err)
		if ferr := w.tasks.HandleFailure(ctx, task, err); ferr != nil {
			slog.Error("parse failure handling failed", "task_id", task.ID, "error", ferr)
		}
		return
	}
	if err := w.tasks.Complete(ctx, task.ID); err != nil {
		slog.Error("parse completion failed", "task_id", task.ID, "error", err)
	}
}

func (w *Worker) parse(ctx context.Context, payload taskqueue.ParsePayload) error {
	c, err := w.contents.Get(ctx, payload.ContentID)
	if err != nil {
		return apperr.Wrap(apperr.KindNotFound, err, "load content")
	}
	if err := w.contents.SetStatus(ctx, c.ID, store.ContentProcessing); err != nil {
		return err
	}
	c.Status = store.ContentProcessing

	route, err := w.registry.Resolve(ctx, c.URL)
	if err != nil {
		w.recordFailure(ctx, c, err)
		return err
	}

	parseCtx, cancel := context.WithTimeout(ctx, w.opts.AdapterTimeout)
	parsed, err := route.Adapter.Parse(parseCtx, route.CanonicalURL, adapters.Config{
		Proxy:   w.settings.Get(ctx, settings.KeyHTTPProxy),
		Timeout: w.opts.AdapterTimeout,
	})
	cancel()
	if err != nil {
		w.recordFailure(ctx, c, err)
		return err
	}
	if err := parsed.Validate(); err != nil {
		w.recordFailure(ctx, c, err)
		return err
	}

	w.applyParsed(c, parsed)

	if w.settings.GetBool(ctx, settings.KeyArchiveEnabled) && w.archiver != nil && len(parsed.MediaURLs) > 0 {
		stored, err := w.archiver.Images(ctx, parsed.MediaURLs)
		if err != nil {
			w.recordFailure(ctx, c, err)
			return err
		}
		if len(stored) > 0 {
			w.recordArchive(c, stored)
		}
	}

	c.Status = store.ContentPulled
	c.LastError, c.LastErrorType, c.LastErrorAt = nil, nil, nil
	if err := w.contents.Update(ctx, c); err != nil {
		return err
	}

	if c.ReviewStatus == store.ReviewPending {
		rules, err := w.rules.List(ctx, true)
		if err == nil && match.ShouldAutoApprove(rules, c) {
			now := time.Now().UTC()
			if err := w.contents.SetReview(ctx, c.ID, store.ReviewAutoApproved, "auto", "", now); err == nil {
				c.ReviewStatus = store.ReviewAutoApproved
				c.ReviewedAt = &now
			}
		}
	}

	if _, err := w.engine.MatchAndEnqueue(ctx, c); err != nil {
		slog.Error("match after parse failed", "content_id", c.ID, "error", err)
	}

	w.bus.Publish(ctx, bus.EventContentUpdated, map[string]any{
		"content_id": c.ID, "status": c.Status, "layout_type": c.EffectiveLayoutType(),
	})
	if payload.Force {
		w.bus.Publish(ctx, bus.EventContentReParsed, map[string]any{"content_id": c.ID})
	}
	slog.Info("content parsed", "content_id", c.ID, "platform", c.Platform, "layout_type", c.LayoutType)
	return nil
}

func (w *Worker) applyParsed(c *store.Content, p *adapters.ParsedContent) {
	c.PlatformID = p.ContentID
	c.ContentType = p.ContentType
	if p.Title != "" {
		c.Title = p.Title
	}
	if p.Description != "" {
		c.Description = p.Description
	}
	c.AuthorName = p.AuthorName
	c.AuthorID = p.AuthorID
	c.AuthorAvatarURL = p.AuthorAvatarURL
	c.AuthorURL = p.AuthorURL
	if p.CoverURL != "" {
		c.CoverURL = p.CoverURL
	}
	if len(p.MediaURLs) > 0 {
		c.MediaURLs = p.MediaURLs
	}
	c.LayoutType = p.LayoutType
	c.PublishedAt = p.PublishedAt
	c.Tags = mergeTags(c.Tags, p.Tags)
	if len(p.RawMetadata) > 0 {
		c.RawMetadata = p.RawMetadata
	}
	if len(p.Stats) > 0 {
		if b, err := json.Marshal(p.Stats); err == nil {
			c.ExtraStats = b
		}
	}
	if c.CleanURL == "" {
		c.CleanURL = c.CanonicalURL
	}
}

// recordArchive writes stored image info into raw_metadata.archive.
func (w *Worker) recordArchive(c *store.Content, stored []archive.StoredImage) {
	meta := map[string]json.RawMessage{}
	if len(c.RawMetadata) > 0 {
		_ = json.Unmarshal(c.RawMetadata, &meta)
	}
	archiveBlob, err := json.Marshal(map[string]any{"stored_images": stored})
	if err != nil {
		return
	}
	meta["archive"] = archiveBlob
	if merged, err := json.Marshal(meta); err == nil {
		c.RawMetadata = merged
	}
	urls := make([]string, 0, len(stored))
	for _, img := range stored {
		urls = append(urls, img.URL)
	}
	c.MediaURLs = urls
}

func (w *Worker) recordFailure(ctx context.Context, c *store.Content, cause error) {
	kind := apperr.KindOf(cause)
	if err := w.contents.RecordFailure(ctx, c.ID, kind.String(), cause.Error(), time.Now().UTC()); err != nil {
		slog.Error("content failure record failed", "content_id", c.ID, "error", err)
	}
	w.bus.Publish(ctx, bus.EventContentUpdated, map[string]any{
		"content_id": c.ID, "status": store.ContentFailed, "error": cause.Error(),
	})
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
