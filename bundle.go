// Package bundlecache holds the shared types of the content bundle engine:
// the per-language Bundle, its manifest model, the generation hash used as
// cache identity, and the error taxonomy shared by all subpackages.
package bundlecache

import "time"

// ManifestEntry describes one page of a language bundle as listed in the
// manifest's worksheets array.
type ManifestEntry struct {
	// Page is the identifier, unique within a language.
	Page string `json:"page"`
	// Title is the display title used for menus.
	Title string `json:"title"`
	// Filename is the page's HTML file name relative to the bundle root.
	Filename string `json:"filename"`
	// Version is an opaque content version tag.
	Version string `json:"version"`
}

// Bundle is the in-memory representation of one language's installed
// content. The zero value is the sentinel "not provisioned" state; a
// populated Bundle is only ever installed whole, after provisioning and
// consistency validation have both completed.
type Bundle struct {
	// Lang is the language code. Empty means sentinel / no data.
	Lang string

	// Entries maps page identifiers to their manifest entries.
	Entries map[string]ManifestEntry

	// Order lists page identifiers in menu order. Every element has a
	// matching key in Entries; the manifest parser enforces this.
	Order []string

	// Images is the set of known image file names under files/.
	Images map[string]struct{}

	// Path is the bundle's root directory on disk.
	Path string

	// SizeKB is the total on-disk size in kilobytes, rounded up so the
	// figure never under-reports.
	SizeKB int64

	// ProvisionedAt is the UTC wall-clock time the bundle was published.
	ProvisionedAt time.Time

	// Generation identifies the installed manifest content for cache
	// keying. It is a digest of the manifest bytes and language code, so
	// re-provisioning changed content yields a new hash while an
	// identical re-install keeps the old one and its cache entries.
	Generation Hash
}

// IsProvisioned reports whether the bundle holds installed content.
func (b *Bundle) IsProvisioned() bool {
	return b != nil && b.Lang != ""
}

// HasImage reports whether name is a known image of this bundle.
func (b *Bundle) HasImage(name string) bool {
	if b == nil {
		return false
	}
	_, ok := b.Images[name]
	return ok
}

// TitledPage pairs a page identifier with its display title.
type TitledPage struct {
	Page  string
	Title string
}

// OrderedTitles returns (identifier, title) pairs following the bundle's
// menu order. References without a manifest entry are dropped.
func (b *Bundle) OrderedTitles() []TitledPage {
	if b == nil || len(b.Order) == 0 {
		return nil
	}
	titles := make([]TitledPage, 0, len(b.Order))
	for _, id := range b.Order {
		entry, ok := b.Entries[id]
		if !ok {
			continue
		}
		titles = append(titles, TitledPage{Page: id, Title: entry.Title})
	}
	return titles
}

// KilobytesCeil converts a byte count to kilobytes, rounding up. A bundle
// with 1200 bytes of content reports 2 kB, never 1.
func KilobytesCeil(bytes int64) int64 {
	if bytes <= 0 {
		return 0
	}
	return (bytes + 999) / 1000
}
