// Package updates decides whether an installed bundle is stale. Staleness
// is detected via a server-side change count since the last successful
// check, which avoids transferring or diffing content just to learn "is
// there anything new".
package updates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/registry"
)

// ChangeCounter queries the remote change-count endpoint. Satisfied by
// *upstream.Client.
type ChangeCounter interface {
	ChangeCount(ctx context.Context, lang string, since time.Time) (int, error)
}

// Oracle performs update checks against the registry's status table.
type Oracle struct {
	registry *registry.Registry
	counter  ChangeCounter
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Oracle) {
		o.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(o *Oracle) {
		o.now = now
	}
}

// New creates an oracle reading and writing status through the registry.
func New(reg *registry.Registry, counter ChangeCounter, opts ...Option) *Oracle {
	o := &Oracle{
		registry: reg,
		counter:  counter,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CheckForUpdates returns the number of upstream changes to a language's
// content since its last successful check. On success the language's
// status is updated and last-checked advances to now. On any failure the
// count is -1 and last-checked is left untouched, so the next attempt
// retries with the same reference point instead of silently skipping the
// window.
func (o *Oracle) CheckForUpdates(ctx context.Context, lang string) (int, error) {
	b := o.registry.Get(lang)
	if !b.IsProvisioned() {
		return -1, fmt.Errorf("checking updates for %s: %w", lang, bundlecache.ErrLanguageUnavailable)
	}

	since := b.ProvisionedAt
	if st, ok := o.registry.Status(lang); ok && !st.LastChecked.IsZero() {
		since = st.LastChecked
	}

	count, err := o.counter.ChangeCount(ctx, lang, since)
	if err != nil {
		o.logger.Warn("update check failed", "lang", lang, "error", err)
		return -1, err
	}

	o.registry.SetStatus(lang, count > 0, o.now().UTC())
	o.logger.Debug("update check complete", "lang", lang, "changes", count, "since", since)
	return count, nil
}

// CheckAll runs CheckForUpdates for every provisioned language and returns
// the per-language counts. Failed checks are recorded as -1 and do not
// stop the sweep.
func (o *Oracle) CheckAll(ctx context.Context) map[string]int {
	counts := make(map[string]int)
	for _, lang := range o.registry.Languages() {
		count, err := o.CheckForUpdates(ctx, lang)
		if err != nil {
			counts[lang] = -1
			continue
		}
		counts[lang] = count
	}
	return counts
}

// OldestLastChecked returns the minimum last-checked timestamp over all
// provisioned languages, or the registry's epoch sentinel when none is.
func (o *Oracle) OldestLastChecked() time.Time {
	return o.registry.OldestLastChecked()
}
