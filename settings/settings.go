// Package settings is the engine's key-value persistence collaborator:
// per-language download-enabled flags and the update check frequency,
// stored in a bbolt database owned by the surrounding application.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("settings: not found")

var bucketSettings = []byte("settings")

const (
	// KeyCheckFrequency stores the update check interval as a Go
	// duration string.
	KeyCheckFrequency = "check_frequency"

	// DefaultCheckFrequency applies when no frequency has been chosen.
	DefaultCheckFrequency = 24 * time.Hour

	downloadKeyPrefix = "download_enabled."
)

// Store is a bbolt-backed key-value store for string and bool settings.
type Store struct {
	db     *bbolt.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open opens (creating if necessary) the settings database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening settings db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating settings bucket: %w", err)
	}

	s.db = db
	s.logger.Debug("opened settings db", "path", path)
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// GetString returns the stored string for key.
func (s *Store) GetString(key string) (string, error) {
	var val string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSettings).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		val = string(v)
		return nil
	})
	return val, err
}

// SetString stores a string value for key.
func (s *Store) SetString(key, val string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSettings).Put([]byte(key), []byte(val))
	})
}

// GetBool returns the stored bool for key.
func (s *Store) GetBool(key string) (bool, error) {
	val, err := s.GetString(key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("parsing bool setting %s: %w", key, err)
	}
	return b, nil
}

// SetBool stores a bool value for key.
func (s *Store) SetBool(key string, val bool) error {
	return s.SetString(key, strconv.FormatBool(val))
}

// DownloadEnabled reports whether a language is marked for offline
// download. Unset languages default to enabled.
func (s *Store) DownloadEnabled(lang string) bool {
	enabled, err := s.GetBool(downloadKeyPrefix + lang)
	if err != nil {
		return true
	}
	return enabled
}

// SetDownloadEnabled marks a language for (or removes it from) offline
// download.
func (s *Store) SetDownloadEnabled(lang string, enabled bool) error {
	return s.SetBool(downloadKeyPrefix+lang, enabled)
}

// CheckFrequency returns the configured update check interval, falling
// back to the default when unset or unparsable.
func (s *Store) CheckFrequency() time.Duration {
	val, err := s.GetString(KeyCheckFrequency)
	if err != nil {
		return DefaultCheckFrequency
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		s.logger.Warn("invalid check frequency, using default", "value", val)
		return DefaultCheckFrequency
	}
	return d
}

// SetCheckFrequency stores the update check interval.
func (s *Store) SetCheckFrequency(d time.Duration) error {
	return s.SetString(KeyCheckFrequency, d.String())
}
