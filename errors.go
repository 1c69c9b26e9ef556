package bundlecache

import "errors"

// Error taxonomy for the bundle engine. Callers match with errors.Is; the
// wrapping message carries the specific cause.
var (
	// ErrNotFound is returned when a page or image identifier has no entry
	// in the installed bundle.
	ErrNotFound = errors.New("bundlecache: not found")

	// ErrLanguageUnavailable is returned when an operation requires a
	// provisioned bundle but the language is in the sentinel (empty) state.
	ErrLanguageUnavailable = errors.New("bundlecache: language not provisioned")

	// ErrTransport covers network failures and non-200 upstream responses.
	ErrTransport = errors.New("bundlecache: transport failure")

	// ErrDecode covers malformed manifest JSON and unreadable archives.
	ErrDecode = errors.New("bundlecache: decode failure")

	// ErrFilesystem covers missing or unreadable files and write failures.
	ErrFilesystem = errors.New("bundlecache: filesystem failure")
)
