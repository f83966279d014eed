// Package cleanup removes stored document objects after their service request
// is deleted. Deletion is best effort: failures are collected, never returned.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"servicedesk/api/internal/objectstore"
	"servicedesk/api/internal/store"
)

const defaultLimit = 8

// Forgetter drops cached state about an object once it is gone.
type Forgetter interface {
	Forget(ctx context.Context, publicID string) error
}

// Report summarizes one cleanup run.
type Report struct {
	Attempted int      `json:"attempted"`
	Deleted   int      `json:"deleted"`
	NotFound  int      `json:"notFound"`
	Warnings  []string `json:"warnings,omitempty"`
}

type Coordinator struct {
	deleter objectstore.Deleter
	forget  Forgetter
	logger  *slog.Logger
	limit   int
}

type Option func(*Coordinator)

func WithForgetter(f Forgetter) Option {
	return func(c *Coordinator) { c.forget = f }
}

func WithLimit(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.limit = n
		}
	}
}

func New(deleter objectstore.Deleter, logger *slog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		deleter: deleter,
		logger:  logger.With("component", "cleanup"),
		limit:   defaultLimit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cleanup deletes every document object of the given requests concurrently and
// waits for all of them.
func (c *Coordinator) Cleanup(ctx context.Context, requests ...store.ServiceRequest) Report {
	var ids []string
	for _, req := range requests {
		for _, doc := range req.Documents.All() {
			if id := strings.TrimSpace(doc.Storage.PublicID); id != "" {
				ids = append(ids, id)
			}
		}
	}

	report := Report{Attempted: len(ids)}
	if len(ids) == 0 {
		return report
	}
	if c == nil || c.deleter == nil {
		report.Warnings = []string{"storage cleanup skipped: no storage provider configured"}
		return report
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(c.limit)
	for _, id := range ids {
		g.Go(func() error {
			outcome, warning := c.deleteObject(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case objectstore.Deleted:
				report.Deleted++
			case objectstore.DeleteNotFound:
				report.NotFound++
			}
			if warning != "" {
				report.Warnings = append(report.Warnings, warning)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(report.Warnings) > 0 {
		c.logger.WarnContext(ctx, "storage cleanup incomplete",
			"attempted", report.Attempted,
			"deleted", report.Deleted,
			"warnings", len(report.Warnings),
		)
	}
	return report
}

// deleteObject tries raw first, then image when raw is missing or fails.
func (c *Coordinator) deleteObject(ctx context.Context, publicID string) (objectstore.DeleteResult, string) {
	var failures []string
	notFound := false
	for _, class := range objectstore.Classifications {
		result, err := c.deleter.Delete(ctx, publicID, class)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", class, err))
			c.logger.WarnContext(ctx, "storage delete failed",
				"public_id", publicID,
				"classification", class,
				"err", err,
			)
			continue
		}
		if result == objectstore.DeleteNotFound {
			notFound = true
			continue
		}
		c.forgetHint(ctx, publicID)
		return objectstore.Deleted, ""
	}

	if len(failures) > 0 {
		return "", fmt.Sprintf("delete %s: %s", publicID, strings.Join(failures, "; "))
	}
	if notFound {
		c.forgetHint(ctx, publicID)
		return objectstore.DeleteNotFound, ""
	}
	return "", ""
}

func (c *Coordinator) forgetHint(ctx context.Context, publicID string) {
	if c.forget == nil {
		return
	}
	if err := c.forget.Forget(ctx, publicID); err != nil {
		c.logger.WarnContext(ctx, "location hint not cleared", "public_id", publicID, "err", err)
	}
}
