package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrNotFound is returned by a Backend when no document exists for an environment
	ErrNotFound = errors.New("history document not found")
	// ErrVersionMismatch is returned by a Backend when the stored document changed since it was read
	ErrVersionMismatch = errors.New("history document version mismatch")
)

// Version identifies one stored revision of a document. The empty Version means
// "no document yet".
type Version string

// Backend persists one opaque document per environment.
// Write must replace the whole document atomically, and only when the stored
// version still equals expected; otherwise it returns ErrVersionMismatch.
type Backend interface {
	Name() string
	Read(ctx context.Context, environmentID string) ([]byte, Version, error)
	Write(ctx context.Context, environmentID string, expected Version, document []byte) (Version, error)
}

// contentVersion derives a version from document bytes for backends without native revisions
func contentVersion(document []byte) Version {
	sum := sha256.Sum256(document)
	return Version(hex.EncodeToString(sum[:]))
}
