package bundlecache

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	doc := `{
		"worksheets": [
			{"page": "intro", "title": "Introduction", "filename": "intro.html", "version": "3"},
			{"page": "basics", "title": "The Basics", "filename": "basics.html", "version": "1"},
			{"page": "advanced", "title": "Advanced Topics", "filename": "advanced.html", "version": "7"}
		]
	}`

	entries, order, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)

	// File order defines menu order.
	require.Equal(t, []string{"intro", "basics", "advanced"}, order)
	require.Len(t, entries, 3)
	require.Equal(t, "The Basics", entries["basics"].Title)
	require.Equal(t, "basics.html", entries["basics"].Filename)
	require.Equal(t, "1", entries["basics"].Version)
}

func TestParseManifestMalformed(t *testing.T) {
	_, _, err := ParseManifest(strings.NewReader(`{"worksheets": [`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDecode))
}

func TestParseManifestSkipsEmptyIdentifiers(t *testing.T) {
	doc := `{"worksheets": [
		{"page": "", "title": "nameless", "filename": "x.html"},
		{"page": "real", "title": "Real", "filename": "real.html"}
	]}`

	entries, order, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, []string{"real"}, order)
	require.Len(t, entries, 1)
}

func TestParseManifestDuplicateKeepsFirstPosition(t *testing.T) {
	doc := `{"worksheets": [
		{"page": "a", "title": "First", "filename": "a1.html"},
		{"page": "b", "title": "Other", "filename": "b.html"},
		{"page": "a", "title": "Second", "filename": "a2.html"}
	]}`

	entries, order, err := ParseManifest(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, order)
	// Last entry wins for content.
	require.Equal(t, "Second", entries["a"].Title)
}

// Every identifier in the ordering must resolve to a manifest entry,
// whatever the manifest contents.
func TestParseManifestOrderingIntegrity(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		n := rng.Intn(20)
		var sb strings.Builder
		sb.WriteString(`{"worksheets": [`)
		for i := 0; i < n; i++ {
			if i > 0 {
				sb.WriteString(",")
			}
			// Small identifier space forces duplicates; some pages
			// deliberately have empty identifiers.
			id := ""
			if rng.Intn(10) > 0 {
				id = fmt.Sprintf("page-%d", rng.Intn(8))
			}
			fmt.Fprintf(&sb, `{"page": %q, "title": "t%d", "filename": "f%d.html", "version": "%d"}`,
				id, i, i, rng.Intn(5))
		}
		sb.WriteString("]}")

		entries, order, err := ParseManifest(strings.NewReader(sb.String()))
		require.NoError(t, err)

		seen := make(map[string]struct{})
		for _, id := range order {
			_, ok := entries[id]
			require.True(t, ok, "ordering references %q without a manifest entry", id)
			_, dup := seen[id]
			require.False(t, dup, "ordering contains %q twice", id)
			seen[id] = struct{}{}
		}
	}
}
