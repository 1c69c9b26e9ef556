// Package registry owns the process-wide table of language bundles and
// their update status. All other components read through it; installs and
// clears are serialized per language, and concurrent provisioning requests
// for the same language collapse into a single download via singleflight.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/upstream"
)

// Epoch is the sentinel returned by OldestLastChecked when no language is
// provisioned. Returning "now" instead would misleadingly suggest
// freshness when nothing has been checked.
var Epoch = time.Unix(0, 0).UTC()

// Provisioner installs and removes language bundles on disk.
type Provisioner interface {
	Provision(ctx context.Context, lang string, onProgress upstream.ProgressFunc) (*bundlecache.Bundle, error)
	Remove(lang string) error
}

// UpdateStatus records the outcome of update checks for one language.
type UpdateStatus struct {
	UpdatesAvailable bool
	LastChecked      time.Time
}

// Registry is the shared mutable state of the engine.
type Registry struct {
	prov   Provisioner
	logger *slog.Logger
	now    func() time.Time

	group singleflight.Group

	mu               sync.RWMutex
	bundles          map[string]*bundlecache.Bundle
	status           map[string]UpdateStatus
	cleared          map[string]uint64
	updatesAvailable bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates a registry backed by the given provisioner.
func New(prov Provisioner, opts ...Option) *Registry {
	r := &Registry{
		prov:    prov,
		logger:  slog.Default(),
		now:     time.Now,
		bundles: make(map[string]*bundlecache.Bundle),
		status:  make(map[string]UpdateStatus),
		cleared: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the current bundle for a language. Unknown languages return
// the sentinel bundle, never nil.
func (r *Registry) Get(lang string) *bundlecache.Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.bundles[lang]; ok {
		return b
	}
	return &bundlecache.Bundle{}
}

// Ensure makes a language available, provisioning it if needed. Concurrent
// calls for the same language share one in-flight provisioning; each caller
// still respects its own context deadline while the provisioning itself
// runs detached so one caller's cancellation does not abort it for the
// rest (the cleanup-on-failure guarantee of the provisioner still applies).
// A Clear issued while the provisioning is in flight wins: the install is
// discarded, its storage removed, and Ensure reports the language
// unavailable.
func (r *Registry) Ensure(ctx context.Context, lang string, onProgress upstream.ProgressFunc) (*bundlecache.Bundle, error) {
	if b := r.Get(lang); b.IsProvisioned() {
		return b, nil
	}

	ch := r.group.DoChan(lang, func() (any, error) {
		epoch := r.clearEpoch(lang)
		b, err := r.prov.Provision(context.WithoutCancel(ctx), lang, onProgress)
		if err != nil {
			return nil, err
		}
		if !r.installIfCurrent(lang, b, epoch) {
			// A Clear raced with the provisioning and already deleted
			// the language's storage; drop what the provisioner just
			// rebuilt rather than resurrecting a cleared bundle.
			if rmErr := r.prov.Remove(lang); rmErr != nil {
				r.logger.Error("removing superseded install", "lang", lang, "error", rmErr)
			}
			return nil, fmt.Errorf("ensuring %s: cleared during provisioning: %w", lang, bundlecache.ErrLanguageUnavailable)
		}
		return b, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			// Allow the next caller to retry.
			r.group.Forget(lang)
			return nil, res.Err
		}
		return res.Val.(*bundlecache.Bundle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Install atomically replaces the bundle for a language and seeds its
// update status from the provisioning timestamp. Readers concurrent with
// Install observe either the old or the new bundle in full.
func (r *Registry) Install(lang string, b *bundlecache.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installLocked(lang, b)
}

// clearEpoch returns the number of Clears issued for a language. Captured
// before a provisioning starts and compared at install time to detect a
// Clear that raced with it.
func (r *Registry) clearEpoch(lang string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cleared[lang]
}

// installIfCurrent installs the bundle only if no Clear has been issued
// for the language since epoch was captured.
func (r *Registry) installIfCurrent(lang string, b *bundlecache.Bundle, epoch uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cleared[lang] != epoch {
		r.logger.Info("discarding install superseded by clear", "lang", lang)
		return false
	}
	r.installLocked(lang, b)
	return true
}

func (r *Registry) installLocked(lang string, b *bundlecache.Bundle) {
	r.bundles[lang] = b

	st := r.status[lang]
	if b.ProvisionedAt.After(st.LastChecked) {
		st.LastChecked = b.ProvisionedAt
	}
	st.UpdatesAvailable = false
	r.status[lang] = st

	r.logger.Info("installed bundle",
		"lang", lang,
		"pages", len(b.Entries),
		"images", len(b.Images),
		"size_kb", b.SizeKB,
		"generation", b.Generation.ShortString(),
	)
}

// Clear resets a language to the sentinel state and deletes its backing
// storage. A provisioning in flight for the language is superseded: its
// eventual install is discarded and its callers see the language as
// unavailable.
func (r *Registry) Clear(lang string) error {
	r.mu.Lock()
	delete(r.bundles, lang)
	delete(r.status, lang)
	r.cleared[lang]++
	r.mu.Unlock()

	// A fresh Ensure after this Clear must start a new provisioning, not
	// join the superseded one.
	r.group.Forget(lang)

	if err := r.prov.Remove(lang); err != nil {
		return err
	}
	r.logger.Info("cleared bundle", "lang", lang)
	return nil
}

// Status returns the update status for a language.
func (r *Registry) Status(lang string) (UpdateStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.status[lang]
	return st, ok
}

// SetStatus records a successful update check. The last-checked timestamp
// is monotonically non-decreasing per language; an earlier value is
// ignored. A positive finding also raises the global updates flag.
func (r *Registry) SetStatus(lang string, available bool, checked time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.status[lang]
	st.UpdatesAvailable = available
	if checked.After(st.LastChecked) {
		st.LastChecked = checked
	}
	r.status[lang] = st

	if available {
		r.updatesAvailable = true
	}
}

// UpdatesAvailable reports whether any language has updates pending.
func (r *Registry) UpdatesAvailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.updatesAvailable
}

// Languages returns the provisioned language codes, sorted.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	langs := make([]string, 0, len(r.bundles))
	for lang, b := range r.bundles {
		if b.IsProvisioned() {
			langs = append(langs, lang)
		}
	}
	sort.Strings(langs)
	return langs
}

// OldestLastChecked returns the minimum last-checked timestamp over all
// provisioned languages, or Epoch when none is provisioned.
func (r *Registry) OldestLastChecked() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	oldest := time.Time{}
	for lang, b := range r.bundles {
		if !b.IsProvisioned() {
			continue
		}
		st := r.status[lang]
		if oldest.IsZero() || st.LastChecked.Before(oldest) {
			oldest = st.LastChecked
		}
	}
	if oldest.IsZero() {
		return Epoch
	}
	return oldest
}
