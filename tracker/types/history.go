package types

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// MetricRecord is a single named measurement from one benchmark run
type MetricRecord struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`

	// Decomposed from Extra when it follows the "N times\nP procs" annotation
	SampleCount     uint `json:"sample_count,omitempty"`
	ConcurrencyHint uint `json:"concurrency_hint,omitempty"`

	// Extra is the raw harness annotation, kept verbatim even when it could not be parsed
	Extra string `json:"extra,omitempty"`
}

// CommitAuthor identifies an author or committer of a commit
type CommitAuthor struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// CommitInfo carries the commit metadata stored alongside a run
type CommitInfo struct {
	Author    *CommitAuthor `json:"author,omitempty"`
	Committer *CommitAuthor `json:"committer,omitempty"`
	Distinct  *bool         `json:"distinct,omitempty"`
	Message   string        `json:"message,omitempty"`
	TreeID    string        `json:"tree_id,omitempty"`
	URL       string        `json:"url,omitempty"`
}

// RunSnapshot is one commit's full set of metric records for one environment
type RunSnapshot struct {
	CommitID        string         `json:"commit_id"`
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	IngestTimestamp time.Time      `json:"ingest_timestamp"`
	ToolName        string         `json:"tool"`
	Suite           string         `json:"suite"`
	Commit          CommitInfo     `json:"commit"`
	Metrics         []MetricRecord `json:"metrics"`
}

// Metric returns the record with the given name
func (s *RunSnapshot) Metric(name string) (MetricRecord, bool) {
	for _, m := range s.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricRecord{}, false
}

// Validate checks the invariants a snapshot must hold before it is persisted
func (s *RunSnapshot) Validate() error {
	if s.CommitID == "" {
		return &ValidationError{Field: "commit_id", Reason: "must not be empty"}
	}
	if s.IngestTimestamp.IsZero() {
		return &ValidationError{Field: "ingest_timestamp", Reason: "must be set"}
	}
	if len(s.Metrics) == 0 {
		return &ValidationError{Field: "metrics", Reason: "must contain at least one record"}
	}

	seen := make(map[string]struct{}, len(s.Metrics))
	for i, m := range s.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if m.Name == "" {
			return &ValidationError{Field: field + ".name", Reason: "must not be empty"}
		}
		if _, dup := seen[m.Name]; dup {
			return &ValidationError{Field: field + ".name", Reason: fmt.Sprintf("duplicate metric %q", m.Name)}
		}
		seen[m.Name] = struct{}{}
		if math.IsNaN(m.Value) || math.IsInf(m.Value, 0) {
			return &ValidationError{Field: field + ".value", Reason: "must be a finite number"}
		}
		if m.Value < 0 {
			return &ValidationError{Field: field + ".value", Reason: "must not be negative"}
		}
	}
	return nil
}

// Clone returns a deep copy of the snapshot
func (s RunSnapshot) Clone() RunSnapshot {
	out := s
	out.Metrics = append([]MetricRecord(nil), s.Metrics...)
	if s.Commit.Author != nil {
		a := *s.Commit.Author
		out.Commit.Author = &a
	}
	if s.Commit.Committer != nil {
		c := *s.Commit.Committer
		out.Commit.Committer = &c
	}
	if s.Commit.Distinct != nil {
		d := *s.Commit.Distinct
		out.Commit.Distinct = &d
	}
	return out
}

// EnvironmentHistory is the ordered log of runs for one environment.
// Values are treated as immutable: WithSnapshot returns a new history.
type EnvironmentHistory struct {
	EnvironmentID string        `json:"environment_id"`
	RepoURL       string        `json:"repo_url,omitempty"`
	LastUpdate    time.Time     `json:"last_update"`
	Snapshots     []RunSnapshot `json:"snapshots"`
}

// NewEnvironmentHistory returns an empty history for an environment
func NewEnvironmentHistory(environmentID string) *EnvironmentHistory {
	return &EnvironmentHistory{EnvironmentID: environmentID, Snapshots: []RunSnapshot{}}
}

// IsEmpty reports whether no run has been recorded yet
func (h *EnvironmentHistory) IsEmpty() bool {
	return len(h.Snapshots) == 0
}

// WithSnapshot returns a copy of the history with s inserted after every snapshot
// ingested at or before s.IngestTimestamp. The receiver is left untouched.
func (h *EnvironmentHistory) WithSnapshot(s RunSnapshot) *EnvironmentHistory {
	pos := sort.Search(len(h.Snapshots), func(i int) bool {
		return h.Snapshots[i].IngestTimestamp.After(s.IngestTimestamp)
	})

	snapshots := make([]RunSnapshot, 0, len(h.Snapshots)+1)
	snapshots = append(snapshots, h.Snapshots[:pos]...)
	snapshots = append(snapshots, s.Clone())
	snapshots = append(snapshots, h.Snapshots[pos:]...)

	next := &EnvironmentHistory{
		EnvironmentID: h.EnvironmentID,
		RepoURL:       h.RepoURL,
		Snapshots:     snapshots,
	}
	next.LastUpdate = next.maxIngestTimestamp()
	return next
}

func (h *EnvironmentHistory) maxIngestTimestamp() time.Time {
	var latest time.Time
	for _, s := range h.Snapshots {
		if s.IngestTimestamp.After(latest) {
			latest = s.IngestTimestamp
		}
	}
	return latest
}

// Before returns up to maxCount of the most recent snapshots ingested strictly before t,
// oldest first. An empty suite matches every snapshot.
func (h *EnvironmentHistory) Before(suite string, t time.Time, maxCount int) []RunSnapshot {
	if maxCount <= 0 {
		return []RunSnapshot{}
	}

	var picked []RunSnapshot
	for i := len(h.Snapshots) - 1; i >= 0 && len(picked) < maxCount; i-- {
		s := h.Snapshots[i]
		if !s.IngestTimestamp.Before(t) {
			continue
		}
		if suite != "" && s.Suite != suite {
			continue
		}
		picked = append(picked, s.Clone())
	}

	// Collected newest first
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	if picked == nil {
		return []RunSnapshot{}
	}
	return picked
}

// Latest returns the most recently ingested snapshot, optionally restricted to one suite
func (h *EnvironmentHistory) Latest(suite string) (RunSnapshot, bool) {
	for i := len(h.Snapshots) - 1; i >= 0; i-- {
		if suite == "" || h.Snapshots[i].Suite == suite {
			return h.Snapshots[i].Clone(), true
		}
	}
	return RunSnapshot{}, false
}

// Suites lists the suite names present in the history in first-seen order
func (h *EnvironmentHistory) Suites() []string {
	seen := make(map[string]bool)
	var suites []string
	for _, s := range h.Snapshots {
		if !seen[s.Suite] {
			seen[s.Suite] = true
			suites = append(suites, s.Suite)
		}
	}
	return suites
}

// RunsForCommit returns every run recorded for a commit, in ingest order.
// Re-runs are separate entries; callers wanting one run per commit reduce client-side.
func (h *EnvironmentHistory) RunsForCommit(commitID string) []RunSnapshot {
	var runs []RunSnapshot
	for _, s := range h.Snapshots {
		if s.CommitID == commitID {
			runs = append(runs, s.Clone())
		}
	}
	return runs
}
