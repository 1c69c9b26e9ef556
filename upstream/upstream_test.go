package upstream

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	bundlecache "github.com/wolfeidau/bundle-cache"
)

func TestFetchArchive(t *testing.T) {
	payload := bytes.Repeat([]byte("archive-data"), 1000)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/en.zip", r.URL.Path)
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	client := NewClient(WithArchiveBaseURL(srv.URL))

	var events []Progress
	var dst bytes.Buffer
	info, err := client.FetchArchive(context.Background(), "en", &dst, func(p Progress) {
		events = append(events, p)
	})
	require.NoError(t, err)

	require.Equal(t, payload, dst.Bytes())
	require.Equal(t, int64(len(payload)), info.Size)
	require.Equal(t, bundlecache.HashBytes(payload), info.Hash)

	// Fractions are monotone and completion is the explicit terminal
	// event, not a numeric threshold.
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.True(t, last.Done)
	prev := -1.0
	for _, e := range events {
		require.GreaterOrEqual(t, e.Fraction, prev)
		prev = e.Fraction
	}
	for _, e := range events[:len(events)-1] {
		require.False(t, e.Done)
	}
}

func TestFetchArchiveUnknownLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Chunked response: no Content-Length, fraction stays at zero
		// but the terminal event still fires.
		flusher := w.(http.Flusher)
		for i := 0; i < 4; i++ {
			_, _ = w.Write(bytes.Repeat([]byte("x"), 2048))
			flusher.Flush()
		}
	}))
	defer srv.Close()

	client := NewClient(WithArchiveBaseURL(srv.URL))

	var sawDone bool
	var dst bytes.Buffer
	_, err := client.FetchArchive(context.Background(), "de", &dst, func(p Progress) {
		if p.Done {
			sawDone = true
			return
		}
		require.Zero(t, p.Fraction)
	})
	require.NoError(t, err)
	require.True(t, sawDone)
}

func TestFetchArchiveNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such language", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(WithArchiveBaseURL(srv.URL))

	var dst bytes.Buffer
	_, err := client.FetchArchive(context.Background(), "xx", &dst, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, bundlecache.ErrTransport))
}

func TestChangeCount(t *testing.T) {
	since := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`[{"sha":"a"},{"sha":"b"},{"sha":"c"}]`))
	}))
	defer srv.Close()

	client := NewClient(WithCommitsURL(srv.URL, "/commits?since="))

	count, err := client.ChangeCount(context.Background(), "en", since)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, "/en/commits", gotPath)
	require.Equal(t, "since=2023-01-01T00:00:00Z", gotQuery)
}

func TestChangeCountEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient(WithCommitsURL(srv.URL, "/commits?since="))

	count, err := client.ChangeCount(context.Background(), "en", time.Now())
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestChangeCountNonOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(WithCommitsURL(srv.URL, "/commits?since="))

	_, err := client.ChangeCount(context.Background(), "en", time.Now())
	require.Error(t, err)
	require.True(t, errors.Is(err, bundlecache.ErrTransport))
}

func TestChangeCountMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"}`))
	}))
	defer srv.Close()

	client := NewClient(WithCommitsURL(srv.URL, "/commits?since="))

	_, err := client.ChangeCount(context.Background(), "en", time.Now())
	require.Error(t, err)
	require.True(t, errors.Is(err, bundlecache.ErrDecode))
}

func TestArchiveURL(t *testing.T) {
	client := NewClient(WithArchiveBaseURL("https://example.org/archives"))
	require.Equal(t, "https://example.org/archives/fr.zip", client.ArchiveURL("fr"))
}
