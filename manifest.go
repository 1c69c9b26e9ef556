package bundlecache

import (
	"encoding/json"
	"fmt"
	"io"
)

const (
	// ManifestPath is the manifest location relative to a bundle root.
	ManifestPath = "structure/contents.json"

	// FilesDir is the image directory relative to a bundle root.
	FilesDir = "files"
)

// manifestDoc mirrors the wire shape of structure/contents.json.
type manifestDoc struct {
	Worksheets []ManifestEntry `json:"worksheets"`
}

// ParseManifest decodes a contents.json document. Entries are returned
// keyed by page identifier along with the identifier sequence in file
// order, which defines menu order. Duplicate identifiers keep their first
// position in the ordering; the last entry wins for content. Every element
// of the returned order has a matching key in the entry map.
func ParseManifest(r io.Reader) (map[string]ManifestEntry, []string, error) {
	var doc manifestDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, nil, fmt.Errorf("parsing manifest: %w: %v", ErrDecode, err)
	}

	entries := make(map[string]ManifestEntry, len(doc.Worksheets))
	order := make([]string, 0, len(doc.Worksheets))
	for _, entry := range doc.Worksheets {
		if entry.Page == "" {
			continue
		}
		if _, seen := entries[entry.Page]; !seen {
			order = append(order, entry.Page)
		}
		entries[entry.Page] = entry
	}
	return entries, order, nil
}
