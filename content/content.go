// Package content resolves page and image identifiers to rendered bytes.
// Pages are read from disk once, their files/*.png references inlined as
// base64 data URIs, and the result cached per bundle generation. Caches are
// never evicted in-session; replacing a bundle changes its generation, so
// stale entries simply become unreachable.
package content

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/net/html"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/telemetry"
)

// imageRefPattern matches the relative image references the content
// repository emits inside src attributes.
var imageRefPattern = regexp.MustCompile(`^files/([^/"]+\.png)$`)

// BundleSource looks up the current bundle for a language. Satisfied by
// *registry.Registry.
type BundleSource interface {
	Get(lang string) *bundlecache.Bundle
}

// cacheKey identifies a decoded result. Keying on the generation hash
// rather than the language code gives wholesale invalidation on
// re-provisioning for free.
type cacheKey struct {
	gen bundlecache.Hash
	id  string
}

// Accessor serves page HTML and image bytes with lazy decoding caches.
type Accessor struct {
	source BundleSource
	logger *slog.Logger

	mu     sync.RWMutex
	pages  map[cacheKey]string
	images map[cacheKey]string
}

// Option configures an Accessor.
type Option func(*Accessor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Accessor) {
		a.logger = logger
	}
}

// New creates an accessor reading bundles from the given source.
func New(source BundleSource, opts ...Option) *Accessor {
	a := &Accessor{
		source: source,
		logger: slog.Default(),
		pages:  make(map[cacheKey]string),
		images: make(map[cacheKey]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// GetPage returns the fully inlined HTML for a page. Image references to
// known images become data URIs; references to unknown images are left
// byte-for-byte untouched and logged, so one broken reference never blocks
// a page.
func (a *Accessor) GetPage(lang, id string) (string, error) {
	b := a.source.Get(lang)
	if !b.IsProvisioned() {
		return "", fmt.Errorf("getting page %s/%s: %w", lang, id, bundlecache.ErrLanguageUnavailable)
	}

	entry, ok := b.Entries[id]
	if !ok {
		return "", fmt.Errorf("getting page %s/%s: %w", lang, id, bundlecache.ErrNotFound)
	}

	key := cacheKey{gen: b.Generation, id: id}
	a.mu.RLock()
	page, hit := a.pages[key]
	a.mu.RUnlock()
	if hit {
		telemetry.RecordContentLookup(context.Background(), "page", telemetry.CacheHit)
		return page, nil
	}
	telemetry.RecordContentLookup(context.Background(), "page", telemetry.CacheMiss)

	raw, err := os.ReadFile(filepath.Join(b.Path, filepath.FromSlash(entry.Filename)))
	if err != nil {
		return "", fmt.Errorf("getting page %s/%s: %w: %v", lang, id, bundlecache.ErrFilesystem, err)
	}

	page = a.inlineImages(b, string(raw))

	// Concurrent misses for the same key are harmless: both compute the
	// same value from the same generation, last write wins.
	a.mu.Lock()
	a.pages[key] = page
	a.mu.Unlock()
	return page, nil
}

// GetImage returns the base64-encoded bytes of an image. Pure read apart
// from cache population.
func (a *Accessor) GetImage(lang, id string) (string, error) {
	b := a.source.Get(lang)
	if !b.IsProvisioned() {
		return "", fmt.Errorf("getting image %s/%s: %w", lang, id, bundlecache.ErrLanguageUnavailable)
	}

	if !b.HasImage(id) {
		return "", fmt.Errorf("getting image %s/%s: %w", lang, id, bundlecache.ErrNotFound)
	}

	key := cacheKey{gen: b.Generation, id: id}
	a.mu.RLock()
	encoded, hit := a.images[key]
	a.mu.RUnlock()
	if hit {
		telemetry.RecordContentLookup(context.Background(), "image", telemetry.CacheHit)
		return encoded, nil
	}
	telemetry.RecordContentLookup(context.Background(), "image", telemetry.CacheMiss)

	raw, err := os.ReadFile(filepath.Join(b.Path, bundlecache.FilesDir, id))
	if err != nil {
		return "", fmt.Errorf("getting image %s/%s: %w: %v", lang, id, bundlecache.ErrFilesystem, err)
	}

	encoded = base64.StdEncoding.EncodeToString(raw)

	a.mu.Lock()
	a.images[key] = encoded
	a.mu.Unlock()
	return encoded, nil
}

// inlineImages replaces src="files/<name>.png" references with base64 data
// URIs. Scanning uses the HTML tokenizer so only real src attributes are
// considered; splicing is exact string replacement so everything else in
// the document, unknown references included, stays byte-for-byte intact.
func (a *Accessor) inlineImages(b *bundlecache.Bundle, page string) string {
	for _, ref := range scanImageRefs(page) {
		m := imageRefPattern.FindStringSubmatch(ref)
		if m == nil {
			continue
		}
		name := m[1]

		if !b.HasImage(name) {
			a.logger.Warn("page references unknown image", "lang", b.Lang, "image", name)
			continue
		}

		encoded, err := a.GetImage(b.Lang, name)
		if err != nil {
			a.logger.Warn("failed to inline image", "lang", b.Lang, "image", name, "error", err)
			continue
		}
		uri := "data:image/png;base64," + encoded

		// The tokenizer strips the quotes, so splice whichever style the
		// document actually uses.
		spliced := strings.ReplaceAll(page, `src="`+ref+`"`, `src="`+uri+`"`)
		if spliced == page {
			spliced = strings.ReplaceAll(page, `src='`+ref+`'`, `src='`+uri+`'`)
		}
		if spliced == page {
			a.logger.Warn("image reference not spliced", "lang", b.Lang, "image", name)
			continue
		}
		page = spliced
	}
	return page
}

// scanImageRefs collects the distinct src attribute values of a document
// in first-seen order.
func scanImageRefs(page string) []string {
	var refs []string
	seen := make(map[string]struct{})

	z := html.NewTokenizer(strings.NewReader(page))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return refs
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		if _, hasAttr := z.TagName(); !hasAttr {
			continue
		}
		for {
			key, val, more := z.TagAttr()
			if string(key) == "src" {
				ref := string(val)
				if _, dup := seen[ref]; !dup {
					seen[ref] = struct{}{}
					refs = append(refs, ref)
				}
			}
			if !more {
				break
			}
		}
	}
}
