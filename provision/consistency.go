package provision

import (
	"log/slog"
	"os"
	"sort"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

// ConsistencyReport lists the disagreements between a bundle's manifest and
// the files actually present at its root.
type ConsistencyReport struct {
	// Missing holds file names a manifest entry references but that are
	// not on disk. The page stays registered; this is a warning only.
	Missing []string

	// Orphaned holds regular files at the bundle root no manifest entry
	// references.
	Orphaned []string
}

// checkConsistency compares the manifest's file names against the regular
// files directly under the bundle root. It is advisory: remote content is
// third-party maintained and minor mismatches must not deny the user the
// content that is available, so the check logs and never aborts.
func checkConsistency(dir string, entries map[string]bundlecache.ManifestEntry, logger *slog.Logger) ConsistencyReport {
	var report ConsistencyReport

	dirents, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("consistency check skipped, cannot list bundle dir", "path", dir, "error", err)
		return report
	}

	onDisk := make(map[string]struct{}, len(dirents))
	for _, d := range dirents {
		if d.Type().IsRegular() {
			onDisk[d.Name()] = struct{}{}
		}
	}

	for _, entry := range entries {
		if _, ok := onDisk[entry.Filename]; ok {
			delete(onDisk, entry.Filename)
			continue
		}
		report.Missing = append(report.Missing, entry.Filename)
		logger.Warn("manifest references missing file", "page", entry.Page, "file", entry.Filename)
	}

	for name := range onDisk {
		report.Orphaned = append(report.Orphaned, name)
		logger.Warn("orphaned file not referenced by manifest", "file", name)
	}

	sort.Strings(report.Missing)
	sort.Strings(report.Orphaned)
	return report
}
