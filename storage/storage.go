// Package storage persists the last-known friends snapshot. The backend is
// either a local file (atomic write-temp-then-rename) or a Google Cloud
// Storage object; the Load/Save API is identical both ways.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"

	"github.com/linccl/iCity-Echo/pkg/activity"
)

// CorruptStateError indicates the persisted state exists but cannot be
// parsed. It is never swallowed: auto-resetting would re-notify on every
// entry, so the operator has to resolve it.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("state file %s is corrupt: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IsCorruptState checks if an error indicates unreadable persisted state.
func IsCorruptState(err error) bool {
	var corrupt *CorruptStateError
	return errors.As(err, &corrupt)
}

// Store handles snapshot persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	object    string
}

// NewLocal creates a store backed by a local state file.
func NewLocal(path string, logger *slog.Logger) *Store {
	return &Store{localPath: path, logger: logger}
}

// NewCloud creates a store backed by a Cloud Storage object.
func NewCloud(client *storage.Client, bucket, object string, logger *slog.Logger) *Store {
	return &Store{client: client, bucket: bucket, object: object, logger: logger}
}

// Load returns the persisted snapshot. A missing state file yields an empty
// snapshot (first run); an unparseable one yields CorruptStateError.
func (s *Store) Load(ctx context.Context) (*activity.Snapshot, error) {
	var data []byte

	if s.localPath != "" {
		var err error
		data, err = os.ReadFile(s.localPath)
		if err != nil {
			if os.IsNotExist(err) {
				s.logger.Info("No prior state, starting from empty snapshot", "path", s.localPath)
				return activity.NewSnapshot(), nil
			}
			return nil, fmt.Errorf("read state file: %w", err)
		}
	} else {
		var err error
		data, err = s.readObject(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				s.logger.Info("No prior state object, starting from empty snapshot", "bucket", s.bucket, "object", s.object)
				return activity.NewSnapshot(), nil
			}
			return nil, err
		}
	}

	var snap activity.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, &CorruptStateError{Path: s.path(), Err: err}
	}
	if snap.Records == nil {
		snap.Records = make(map[string]*activity.Record)
	}

	s.logger.Debug("State loaded", "path", s.path(), "records", len(snap.Records),
		"last_checked_at", snap.LastCheckedAt.Format(time.RFC3339))
	return &snap, nil
}

// Save atomically replaces the persisted snapshot. The local backend writes
// a temp file and renames it over the old state, so a crash mid-write never
// leaves a truncated file; Cloud Storage object writes are atomic natively.
func (s *Store) Save(ctx context.Context, snap *activity.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	data = append(data, '\n')

	if s.localPath != "" {
		if err := s.saveLocal(data); err != nil {
			return err
		}
	} else {
		if err := s.saveObject(ctx, data); err != nil {
			return err
		}
	}

	s.logger.Info("State saved", "path", s.path(), "records", len(snap.Records))
	return nil
}

func (s *Store) saveLocal(data []byte) error {
	dir := filepath.Dir(s.localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	tmp := s.localPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.localPath); err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil && !os.IsNotExist(removeErr) {
			s.logger.Warn("Failed to remove temp state file", "path", tmp, "error", removeErr)
		}
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *Store) readObject(ctx context.Context) ([]byte, error) {
	var data []byte

	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open state reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close state reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read state object: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying state load after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, storage.ErrObjectNotExist
		}
		return nil, fmt.Errorf("load state after retries: %w", err)
	}
	return data, nil
}

func (s *Store) saveObject(ctx context.Context, data []byte) error {
	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write state object: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close state writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(5*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying state save after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save state after retries: %w", err)
	}
	return nil
}

func (s *Store) path() string {
	if s.localPath != "" {
		return s.localPath
	}
	return "gs://" + s.bucket + "/" + s.object
}
