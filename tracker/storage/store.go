package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/types"
)

// HistoryStore provides durable, ordered persistence of environment histories
type HistoryStore interface {
	// Load returns the environment's history, or an empty history when none exists yet
	Load(ctx context.Context, environmentID string) (*types.EnvironmentHistory, error)
	// Append validates and records a run, returning the updated history
	Append(ctx context.Context, environmentID string, snapshot types.RunSnapshot) (*types.EnvironmentHistory, error)
	// Window returns up to maxCount of the most recent runs strictly before a time, oldest first
	Window(ctx context.Context, environmentID string, before time.Time, maxCount int) ([]types.RunSnapshot, error)
	// SuiteWindow is Window restricted to the runs of one suite
	SuiteWindow(ctx context.Context, environmentID, suite string, before time.Time, maxCount int) ([]types.RunSnapshot, error)
}

var environmentIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateEnvironmentID rejects identifiers that cannot be used as a document key
func ValidateEnvironmentID(environmentID string) error {
	if !environmentIDPattern.MatchString(environmentID) || len(environmentID) > 128 {
		return &types.ValidationError{
			Field:  "environment_id",
			Reason: fmt.Sprintf("%q must be 1-128 characters of [A-Za-z0-9._-] starting with a letter or digit", environmentID),
		}
	}
	return nil
}

// Options configures a DocumentStore
type Options struct {
	Format           Format
	RepoURL          string
	OperationTimeout time.Duration
}

// DocumentStore implements HistoryStore on top of a Backend. Each append reads the
// current document, builds the next history copy-on-write and swaps the document
// with a compare-and-swap on the version it read.
type DocumentStore struct {
	backend Backend
	format  Format
	repoURL string
	timeout time.Duration
	locks   *keyedLock
	log     logrus.FieldLogger
}

// NewDocumentStore creates a history store persisting through backend
func NewDocumentStore(backend Backend, opts Options, log logrus.FieldLogger) *DocumentStore {
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	return &DocumentStore{
		backend: backend,
		format:  opts.Format,
		repoURL: opts.RepoURL,
		timeout: opts.OperationTimeout,
		locks:   newKeyedLock(),
		log: log.WithFields(logrus.Fields{
			"component": "history-store",
			"backend":   backend.Name(),
		}),
	}
}

// Backend returns the backend the store persists through
func (s *DocumentStore) Backend() Backend {
	return s.backend
}

// Load returns the stored history for an environment
func (s *DocumentStore) Load(ctx context.Context, environmentID string) (*types.EnvironmentHistory, error) {
	if err := ValidateEnvironmentID(environmentID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	history, _, err := s.read(ctx, "load", environmentID)
	return history, err
}

// Append validates snapshot and records it in the environment's history
func (s *DocumentStore) Append(ctx context.Context, environmentID string, snapshot types.RunSnapshot) (*types.EnvironmentHistory, error) {
	if err := ValidateEnvironmentID(environmentID); err != nil {
		return nil, err
	}

	snapshot = normalizeSnapshot(snapshot)
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	unlock, err := s.locks.lock(ctx, environmentID)
	if err != nil {
		return nil, &types.UnavailableError{Op: "append", Err: fmt.Errorf("waiting for writer lock: %w", err)}
	}
	defer unlock()

	current, version, err := s.read(ctx, "append", environmentID)
	if err != nil {
		return nil, err
	}

	next := current.WithSnapshot(snapshot)
	if next.RepoURL == "" {
		next.RepoURL = s.repoURL
	}

	encoded, err := EncodeDocument(DocumentFromHistory(next), s.format)
	if err != nil {
		return nil, err
	}

	if _, err := s.backend.Write(ctx, environmentID, version, encoded); err != nil {
		if errors.Is(err, ErrVersionMismatch) {
			s.log.WithField("environment", environmentID).Warn("Lost write race on history document")
			return nil, &types.ConcurrentWriteConflict{EnvironmentID: environmentID, Err: err}
		}
		return nil, s.unavailable("append", err)
	}

	s.log.WithFields(logrus.Fields{
		"environment": environmentID,
		"commit":      snapshot.CommitID,
		"suite":       snapshot.Suite,
		"runs":        len(next.Snapshots),
	}).Info("Appended run to history")

	// Hand back exactly what a later Load will observe
	doc, err := DecodeDocument(encoded)
	if err != nil {
		return nil, err
	}
	return HistoryFromDocument(environmentID, doc)
}

// Window returns the baseline runs preceding before across all suites
func (s *DocumentStore) Window(ctx context.Context, environmentID string, before time.Time, maxCount int) ([]types.RunSnapshot, error) {
	return s.SuiteWindow(ctx, environmentID, "", before, maxCount)
}

// SuiteWindow returns the baseline runs of one suite preceding before
func (s *DocumentStore) SuiteWindow(ctx context.Context, environmentID, suite string, before time.Time, maxCount int) ([]types.RunSnapshot, error) {
	if err := ValidateEnvironmentID(environmentID); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	history, _, err := s.read(ctx, "window", environmentID)
	if err != nil {
		return nil, err
	}
	return history.Before(suite, before, maxCount), nil
}

func (s *DocumentStore) read(ctx context.Context, op, environmentID string) (*types.EnvironmentHistory, Version, error) {
	raw, version, err := s.backend.Read(ctx, environmentID)
	if errors.Is(err, ErrNotFound) {
		history := types.NewEnvironmentHistory(environmentID)
		history.RepoURL = s.repoURL
		return history, "", nil
	}
	if err != nil {
		return nil, "", s.unavailable(op, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, "", s.unavailable(op, ctxErr)
	}

	doc, err := DecodeDocument(raw)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read history for %q: %w", environmentID, err)
	}
	history, err := HistoryFromDocument(environmentID, doc)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read history for %q: %w", environmentID, err)
	}
	return history, version, nil
}

func (s *DocumentStore) unavailable(op string, err error) error {
	s.log.WithError(err).WithField("op", op).Error("History store operation failed")
	return &types.UnavailableError{Op: op, Err: err}
}

func (s *DocumentStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// normalizeSnapshot drops precision the document format cannot carry, so the
// appended run compares equal to the one read back later.
func normalizeSnapshot(s types.RunSnapshot) types.RunSnapshot {
	s = s.Clone()
	s.IngestTimestamp = s.IngestTimestamp.UTC().Truncate(time.Millisecond)
	s.CommitTimestamp = s.CommitTimestamp.Truncate(time.Second)
	if s.Suite == "" {
		s.Suite = s.ToolName
	}
	return s
}

// keyedLock serializes writers per environment within one process. Waiting
// honours the caller's context so a stuck writer cannot block others forever.
type keyedLock struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{slots: make(map[string]chan struct{})}
}

func (k *keyedLock) lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	slot, ok := k.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		k.slots[key] = slot
	}
	k.mu.Unlock()

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
