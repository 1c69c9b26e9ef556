package provision

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	bundlecache "github.com/wolfeidau/bundle-cache"
)

// extractZip extracts the archive at src into dstDir. Entry names are
// validated against path traversal before any write.
func extractZip(src, dstDir string) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening archive: %w: %v", bundlecache.ErrDecode, err)
	}
	defer func() { _ = zr.Close() }()

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return fmt.Errorf("creating bundle dir: %w: %v", bundlecache.ErrFilesystem, err)
	}

	for _, f := range zr.File {
		if err := extractEntry(f, dstDir); err != nil {
			return err
		}
	}
	return nil
}

func extractEntry(f *zip.File, dstDir string) error {
	name := filepath.FromSlash(f.Name)
	if !filepath.IsLocal(name) {
		return fmt.Errorf("extracting %q: %w: path escapes bundle dir", f.Name, bundlecache.ErrDecode)
	}
	target := filepath.Join(dstDir, name)

	if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("creating dir %s: %w: %v", target, bundlecache.ErrFilesystem, err)
		}
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("creating dir for %s: %w: %v", target, bundlecache.ErrFilesystem, err)
	}

	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading archive entry %q: %w: %v", f.Name, bundlecache.ErrDecode, err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating %s: %w: %v", target, bundlecache.ErrFilesystem, err)
	}

	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("writing %s: %w: %v", target, bundlecache.ErrFilesystem, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w: %v", target, bundlecache.ErrFilesystem, err)
	}
	return nil
}
