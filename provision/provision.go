// Package provision turns a remote language archive into a validated local
// bundle: download, extract, measure, parse the manifest, enumerate images,
// run the consistency check, and clean up wholesale on any failure so a
// partial install is never observable.
package provision

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bundlecache "github.com/wolfeidau/bundle-cache"
	"github.com/wolfeidau/bundle-cache/upstream"
)

const (
	// DefaultPathPrefix is the directory under the install root that
	// holds all language bundles.
	DefaultPathPrefix = "bundles"

	// DefaultPathSuffix is the directory under a language's directory
	// that holds the published content tree.
	DefaultPathSuffix = "pub"
)

// Config holds provisioner configuration.
type Config struct {
	// InstallRoot is the root path for local bundle storage.
	InstallRoot string

	// PathPrefix is joined under InstallRoot; defaults to "bundles".
	PathPrefix string

	// PathSuffix is joined under the language directory; defaults to
	// "pub". The full bundle root for a language is
	// <InstallRoot>/<PathPrefix>/<lang>/<PathSuffix>.
	PathSuffix string

	// Logger for provisioning events.
	Logger *slog.Logger
}

// Provisioner downloads and installs language bundles.
type Provisioner struct {
	cfg    Config
	client *upstream.Client
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(p *Provisioner) {
		p.now = now
	}
}

// New creates a provisioner fetching archives through the given client.
func New(client *upstream.Client, cfg Config, opts ...Option) *Provisioner {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = DefaultPathPrefix
	}
	if cfg.PathSuffix == "" {
		cfg.PathSuffix = DefaultPathSuffix
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Provisioner{
		cfg:    cfg,
		client: client,
		logger: cfg.Logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dir returns the bundle root directory for a language.
func (p *Provisioner) Dir(lang string) string {
	return filepath.Join(p.cfg.InstallRoot, p.cfg.PathPrefix, lang, p.cfg.PathSuffix)
}

// Provision makes a language's bundle available locally. If the bundle
// directory already exists the download is skipped and the bundle is
// rebuilt from disk. On any failure, cancellation included, the language's
// directory is removed before returning, so the caller never observes a
// half-installed bundle.
func (p *Provisioner) Provision(ctx context.Context, lang string, onProgress upstream.ProgressFunc) (*bundlecache.Bundle, error) {
	dir := p.Dir(lang)

	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		b, err := p.load(lang, dir)
		if err == nil {
			p.logger.Debug("bundle already provisioned", "lang", lang, "path", dir)
			return b, nil
		}
		p.logger.Warn("existing bundle unreadable, reprovisioning", "lang", lang, "error", err)
		if err := p.Remove(lang); err != nil {
			return nil, fmt.Errorf("provisioning %s: %w", lang, err)
		}
	}

	b, err := p.install(ctx, lang, dir, onProgress)
	if err != nil {
		// Cleanup runs synchronously before returning, cancellation
		// included. No dangling half-installed directories.
		if rmErr := os.RemoveAll(filepath.Join(p.cfg.InstallRoot, p.cfg.PathPrefix, lang)); rmErr != nil {
			p.logger.Error("cleanup after failed provisioning", "lang", lang, "error", rmErr)
		}
		return nil, fmt.Errorf("provisioning %s: %w", lang, err)
	}
	return b, nil
}

// Remove deletes a language's local directory. Missing directories are not
// an error.
func (p *Provisioner) Remove(lang string) error {
	dir := filepath.Join(p.cfg.InstallRoot, p.cfg.PathPrefix, lang)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing %s: %w: %v", dir, bundlecache.ErrFilesystem, err)
	}
	return nil
}

func (p *Provisioner) install(ctx context.Context, lang, dir string, onProgress upstream.ProgressFunc) (*bundlecache.Bundle, error) {
	tmp, err := os.CreateTemp("", "bundle-archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w: %v", bundlecache.ErrFilesystem, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	info, err := p.client.FetchArchive(ctx, lang, tmp, onProgress)
	if err != nil {
		return nil, err
	}
	p.logger.Info("downloaded archive",
		"lang", lang,
		"bytes", info.Size,
		"hash", info.Hash.ShortString(),
	)

	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing archive: %w: %v", bundlecache.ErrFilesystem, err)
	}

	if err := extractZip(tmpPath, dir); err != nil {
		return nil, err
	}

	return p.load(lang, dir)
}

// load builds a Bundle from an extracted directory tree.
func (p *Provisioner) load(lang, dir string) (*bundlecache.Bundle, error) {
	sizeBytes, err := dirSize(dir)
	if err != nil {
		return nil, err
	}

	manifestRaw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(bundlecache.ManifestPath)))
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w: %v", bundlecache.ErrFilesystem, err)
	}

	entries, order, err := bundlecache.ParseManifest(bytes.NewReader(manifestRaw))
	if err != nil {
		return nil, err
	}

	images, err := p.listImages(dir)
	if err != nil {
		return nil, err
	}

	b := &bundlecache.Bundle{
		Lang:          lang,
		Entries:       entries,
		Order:         order,
		Images:        images,
		Path:          dir,
		SizeKB:        bundlecache.KilobytesCeil(sizeBytes),
		ProvisionedAt: p.now().UTC(),
		Generation:    bundlecache.HashBytes(manifestRaw, []byte(lang)),
	}

	report := checkConsistency(dir, entries, p.logger.With("lang", lang))
	if len(report.Missing) > 0 || len(report.Orphaned) > 0 {
		p.logger.Info("bundle consistency report",
			"lang", lang,
			"missing", len(report.Missing),
			"orphaned", len(report.Orphaned),
		)
	}

	return b, nil
}

// listImages enumerates files/ non-recursively. Non-regular entries are
// logged and skipped, never fatal.
func (p *Provisioner) listImages(dir string) (map[string]struct{}, error) {
	filesDir := filepath.Join(dir, bundlecache.FilesDir)
	dirents, err := os.ReadDir(filesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("listing images: %w: %v", bundlecache.ErrFilesystem, err)
	}

	images := make(map[string]struct{}, len(dirents))
	for _, d := range dirents {
		if !d.Type().IsRegular() {
			p.logger.Warn("skipping non-regular entry in files dir", "name", d.Name())
			continue
		}
		images[d.Name()] = struct{}{}
	}
	return images, nil
}

// dirSize sums file sizes under dir, nested directories included.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring %s: %w: %v", dir, bundlecache.ErrFilesystem, err)
	}
	return total, nil
}
