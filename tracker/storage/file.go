package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// FileBackend keeps one document per environment under a root directory:
// <root>/<environment>/<name>. Documents are replaced by writing a temp file,
// syncing it and renaming it over the target, so readers see either the old
// or the new document. A lock file created with O_EXCL serializes writers
// across processes.
type FileBackend struct {
	fs        afero.Fs
	root      string
	name      string
	lockRetry time.Duration
	log       logrus.FieldLogger
}

// NewFileBackend creates a file backend. name is the document file name, e.g. data.json or data.js.
func NewFileBackend(fs afero.Fs, root, name string, log logrus.FieldLogger) *FileBackend {
	if name == "" {
		name = "data.json"
	}
	return &FileBackend{
		fs:        fs,
		root:      root,
		name:      name,
		lockRetry: 25 * time.Millisecond,
		log:       log.WithField("component", "file-backend"),
	}
}

// Name identifies the backend in logs and metrics
func (b *FileBackend) Name() string {
	return "file"
}

// Path returns the document path for an environment
func (b *FileBackend) Path(environmentID string) string {
	return filepath.Join(b.root, environmentID, b.name)
}

// Read returns the current document and its content version
func (b *FileBackend) Read(ctx context.Context, environmentID string) ([]byte, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	data, err := afero.ReadFile(b.fs, b.Path(environmentID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("failed to read %s: %w", b.Path(environmentID), err)
	}
	return data, contentVersion(data), nil
}

// Write atomically replaces the document when its content still matches expected
func (b *FileBackend) Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error) {
	target := b.Path(environmentID)
	if err := b.fs.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", fmt.Errorf("failed to create history directory: %w", err)
	}

	release, err := b.acquire(ctx, target+".lock")
	if err != nil {
		return "", err
	}
	defer release()

	_, current, err := b.Read(ctx, environmentID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}
	if current != expected {
		return "", ErrVersionMismatch
	}

	tmp := fmt.Sprintf("%s.tmp-%s", target, uuid.NewString())
	if err := b.writeSynced(tmp, document); err != nil {
		_ = b.fs.Remove(tmp)
		return "", err
	}
	if err := b.fs.Rename(tmp, target); err != nil {
		_ = b.fs.Remove(tmp)
		return "", fmt.Errorf("failed to replace %s: %w", target, err)
	}

	b.log.WithFields(logrus.Fields{
		"path":  target,
		"bytes": len(document),
	}).Debug("Wrote history document")
	return contentVersion(document), nil
}

func (b *FileBackend) writeSynced(path string, data []byte) error {
	f, err := b.fs.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp document: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write temp document: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync temp document: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temp document: %w", err)
	}
	return nil
}

// acquire creates the lock file exclusively, polling until ctx is done
func (b *FileBackend) acquire(ctx context.Context, path string) (func(), error) {
	ticker := time.NewTicker(b.lockRetry)
	defer ticker.Stop()

	for {
		f, err := b.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return func() {
				if err := b.fs.Remove(path); err != nil {
					b.log.WithError(err).WithField("path", path).Warn("Failed to remove lock file")
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s still held: %w", path, ctx.Err())
		case <-ticker.C:
		}
	}
}
