package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/bundle-cache/settings"
)

const testManifest = `{
	"worksheets": [
		{"page": "intro", "title": "Introduction", "filename": "intro.html", "version": "1"}
	]
}`

var testImage = []byte{0x89, 0x50, 0x4e, 0x47, 0x01, 0x02, 0x03}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeArchive(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, data := range map[string][]byte{
		"structure/contents.json": []byte(testManifest),
		"intro.html":              []byte(`<html><body><img src="files/logo.png"/></body></html>`),
		"files/logo.png":          testImage,
	} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// newTestServer wires a server against a fake upstream serving one
// language archive and a canned change feed.
func newTestServer(t *testing.T, changes string) *Server {
	t.Helper()

	archive := makeArchive(t)
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/archives/en.zip":
			_, _ = w.Write(archive)
		case r.URL.Path == "/repos/en/commits":
			_, _ = w.Write([]byte(changes))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(upstreamSrv.Close)

	srv, err := New(Config{
		InstallRoot:    t.TempDir(),
		ArchiveBaseURL: upstreamSrv.URL + "/archives",
		CommitsBaseURL: upstreamSrv.URL + "/repos",
		Logger:         testLogger(),
	})
	require.NoError(t, err)
	return srv
}

func do(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProvisionAndServeContent(t *testing.T) {
	srv := newTestServer(t, `[]`)

	rec := do(t, srv, http.MethodPut, "/v1/languages/en")
	require.Equal(t, http.StatusOK, rec.Code)

	var provisioned struct {
		Lang   string `json:"lang"`
		Pages  int    `json:"pages"`
		Images int    `json:"images"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &provisioned))
	require.Equal(t, "en", provisioned.Lang)
	require.Equal(t, 1, provisioned.Pages)
	require.Equal(t, 1, provisioned.Images)

	// Page is served with the image inlined.
	rec = do(t, srv, http.MethodGet, "/v1/languages/en/pages/intro")
	require.Equal(t, http.StatusOK, rec.Code)
	encoded := base64.StdEncoding.EncodeToString(testImage)
	require.Contains(t, rec.Body.String(), `src="data:image/png;base64,`+encoded+`"`)

	// Image is served decoded.
	rec = do(t, srv, http.MethodGet, "/v1/languages/en/images/logo.png")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, testImage, rec.Body.Bytes())

	// Menu listing follows manifest order.
	rec = do(t, srv, http.MethodGet, "/v1/languages/en/pages")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"pages":[{"page":"intro","title":"Introduction"}]}`, rec.Body.String())
}

func TestPageNotFound(t *testing.T) {
	srv := newTestServer(t, `[]`)

	rec := do(t, srv, http.MethodPut, "/v1/languages/en")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/languages/en/pages/ghost")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLanguageUnavailable(t *testing.T) {
	srv := newTestServer(t, `[]`)

	rec := do(t, srv, http.MethodGet, "/v1/languages/xx/pages/intro")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProvisionUpstreamFailure(t *testing.T) {
	srv := newTestServer(t, `[]`)

	// Only "en" exists upstream.
	rec := do(t, srv, http.MethodPut, "/v1/languages/de")
	require.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCheckForUpdates(t *testing.T) {
	srv := newTestServer(t, `[{"sha":"a"},{"sha":"b"},{"sha":"c"}]`)

	rec := do(t, srv, http.MethodPut, "/v1/languages/en")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/languages/en/check")
	require.Equal(t, http.StatusOK, rec.Code)

	var check struct {
		Changes          int  `json:"changes"`
		UpdatesAvailable bool `json:"updates_available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	require.Equal(t, 3, check.Changes)
	require.True(t, check.UpdatesAvailable)

	rec = do(t, srv, http.MethodGet, "/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		UpdatesAvailable bool `json:"updates_available"`
		Languages        []struct {
			Lang string `json:"lang"`
		} `json:"languages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.True(t, status.UpdatesAvailable)
	require.Len(t, status.Languages, 1)
}

func TestCheckUnprovisionedLanguage(t *testing.T) {
	srv := newTestServer(t, `[]`)

	rec := do(t, srv, http.MethodPost, "/v1/languages/en/check")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestClearLanguage(t *testing.T) {
	srv := newTestServer(t, `[]`)

	rec := do(t, srv, http.MethodPut, "/v1/languages/en")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodDelete, "/v1/languages/en")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, srv, http.MethodGet, "/v1/languages/en/pages/intro")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestProvisionDisabledLanguage(t *testing.T) {
	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SetDownloadEnabled("en", false))

	srv, err := New(Config{
		InstallRoot: t.TempDir(),
		Settings:    store,
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	rec := do(t, srv, http.MethodPut, "/v1/languages/en")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, `[]`)

	rec := do(t, srv, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
