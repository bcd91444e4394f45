package ingest

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/types"
)

// Ingestor turns harness results into snapshots and appends them to the history store
type Ingestor struct {
	store storage.HistoryStore
	now   func() time.Time
	log   logrus.FieldLogger
}

// NewIngestor creates an ingestor stamping runs with the wall clock
func NewIngestor(store storage.HistoryStore, log logrus.FieldLogger) *Ingestor {
	return &Ingestor{
		store: store,
		now:   time.Now,
		log:   log.WithField("component", "ingestor"),
	}
}

// WithClock replaces the clock used for ingest timestamps
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// Snapshot validates a harness result and builds the run it describes, stamped at ingestedAt
func Snapshot(result *HarnessResult, ingestedAt time.Time) (types.RunSnapshot, error) {
	if result == nil {
		return types.RunSnapshot{}, &types.MalformedInputError{Reason: "missing"}
	}
	if err := result.Validate(); err != nil {
		return types.RunSnapshot{}, err
	}

	suite := result.Suite
	if suite == "" {
		suite = result.ToolName
	}
	snapshot := types.RunSnapshot{
		CommitID:        result.CommitID,
		CommitTimestamp: result.CommitTimestamp,
		IngestTimestamp: ingestedAt.UTC().Truncate(time.Millisecond),
		ToolName:        result.ToolName,
		Suite:           suite,
		Commit:          result.Commit,
		Metrics:         result.Metrics,
	}
	return snapshot.Clone(), nil
}

// Ingest validates result and appends it as a new run. A commit that was already
// ingested produces another run; nothing is overwritten. Exactly one append is
// attempted, and a lost write race is returned as *types.ConcurrentWriteConflict.
func (i *Ingestor) Ingest(ctx context.Context, environmentID string, result *HarnessResult) (*types.RunSnapshot, *types.EnvironmentHistory, error) {
	snapshot, err := Snapshot(result, i.now())
	if err != nil {
		i.log.WithError(err).WithField("environment", environmentID).Warn("Rejected harness result")
		return nil, nil, err
	}

	history, err := i.store.Append(ctx, environmentID, snapshot)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range snapshot.Metrics {
		if m.Extra != "" && m.SampleCount == 0 && m.ConcurrencyHint == 0 {
			i.log.WithFields(logrus.Fields{
				"metric": m.Name,
				"extra":  m.Extra,
			}).Debug("Kept unparsable extra annotation verbatim")
		}
	}

	i.log.WithFields(logrus.Fields{
		"environment": environmentID,
		"commit":      snapshot.CommitID,
		"suite":       snapshot.Suite,
		"metrics":     len(snapshot.Metrics),
	}).Info("Ingested benchmark run")

	// Hand back the run as it was persisted
	for j := len(history.Snapshots) - 1; j >= 0; j-- {
		stored := history.Snapshots[j]
		if stored.CommitID == snapshot.CommitID && stored.IngestTimestamp.Equal(snapshot.IngestTimestamp) {
			stored = stored.Clone()
			return &stored, history, nil
		}
	}
	return &snapshot, history, nil
}

// RetryConflicts runs fn again with exponential backoff while it loses write races,
// up to retries extra attempts. Any other error is returned immediately.
func RetryConflicts(ctx context.Context, retries int, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 25 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = 0

	if retries < 0 {
		retries = 0
	}
	b := backoff.WithMaxRetries(policy, uint64(retries))

	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !types.IsConflict(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
