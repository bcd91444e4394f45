package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bench-history/tracker/types"
)

// Format selects how a history document is serialized
type Format string

const (
	// FormatJSON writes the bare JSON document
	FormatJSON Format = "json"
	// FormatDataJS writes the document as a script assignment, loadable by the chart page
	FormatDataJS Format = "datajs"
)

// dataJSPrefix is the assignment the chart page expects in data.js
const dataJSPrefix = "window.BENCHMARK_DATA = "

// Document is the persisted per-environment history
type Document struct {
	LastUpdate int64                      `json:"lastUpdate"`
	RepoURL    string                     `json:"repoUrl"`
	Entries    map[string][]DocumentEntry `json:"entries"`
}

// DocumentEntry is one run inside a suite's entry list
type DocumentEntry struct {
	Commit  DocumentCommit  `json:"commit"`
	Date    int64           `json:"date"`
	Tool    string          `json:"tool"`
	Benches []DocumentBench `json:"benches"`
}

// DocumentCommit mirrors the commit object written by the benchmark workflow
type DocumentCommit struct {
	Author    *types.CommitAuthor `json:"author,omitempty"`
	Committer *types.CommitAuthor `json:"committer,omitempty"`
	Distinct  *bool               `json:"distinct,omitempty"`
	ID        string              `json:"id"`
	Message   string              `json:"message,omitempty"`
	Timestamp string              `json:"timestamp"`
	TreeID    string              `json:"tree_id,omitempty"`
	URL       string              `json:"url,omitempty"`
}

// DocumentBench is one measurement of a run
type DocumentBench struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Extra string  `json:"extra,omitempty"`
}

// DecodeDocument parses a history document. Both the bare JSON form and the
// data.js form ("window.BENCHMARK_DATA = {...}") are accepted.
func DecodeDocument(data []byte) (*Document, error) {
	body := bytes.TrimSpace(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if bytes.HasPrefix(body, []byte("window.BENCHMARK_DATA")) {
		idx := bytes.IndexByte(body, '=')
		if idx < 0 {
			return nil, fmt.Errorf("failed to decode document: missing assignment")
		}
		body = bytes.TrimSpace(body[idx+1:])
		body = bytes.TrimSuffix(body, []byte(";"))
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	if doc.Entries == nil {
		doc.Entries = make(map[string][]DocumentEntry)
	}
	return &doc, nil
}

// EncodeDocument serializes a document deterministically in the requested format
func EncodeDocument(doc *Document, format Format) ([]byte, error) {
	if doc.Entries == nil {
		doc.Entries = make(map[string][]DocumentEntry)
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}

	switch format {
	case FormatDataJS:
		return append([]byte(dataJSPrefix), body...), nil
	case FormatJSON, "":
		return append(body, '\n'), nil
	default:
		return nil, fmt.Errorf("unknown document format %q", format)
	}
}

// HistoryFromDocument converts a persisted document into the ordered history model
func HistoryFromDocument(environmentID string, doc *Document) (*types.EnvironmentHistory, error) {
	history := types.NewEnvironmentHistory(environmentID)
	history.RepoURL = doc.RepoURL

	suites := make([]string, 0, len(doc.Entries))
	for suite := range doc.Entries {
		suites = append(suites, suite)
	}
	sort.Strings(suites)

	for _, suite := range suites {
		for i, entry := range doc.Entries[suite] {
			snapshot, err := snapshotFromEntry(suite, entry)
			if err != nil {
				return nil, fmt.Errorf("entry %d of suite %q: %w", i, suite, err)
			}
			history.Snapshots = append(history.Snapshots, snapshot)
		}
	}

	// Suites are concatenated above; order the log by ingest time
	sort.SliceStable(history.Snapshots, func(i, j int) bool {
		return history.Snapshots[i].IngestTimestamp.Before(history.Snapshots[j].IngestTimestamp)
	})
	for _, s := range history.Snapshots {
		if s.IngestTimestamp.After(history.LastUpdate) {
			history.LastUpdate = s.IngestTimestamp
		}
	}
	return history, nil
}

// DocumentFromHistory converts a history into its persisted form
func DocumentFromHistory(history *types.EnvironmentHistory) *Document {
	doc := &Document{
		RepoURL: history.RepoURL,
		Entries: make(map[string][]DocumentEntry),
	}
	if !history.LastUpdate.IsZero() {
		doc.LastUpdate = history.LastUpdate.UnixMilli()
	}
	for _, s := range history.Snapshots {
		doc.Entries[s.Suite] = append(doc.Entries[s.Suite], entryFromSnapshot(s))
	}
	return doc
}

func snapshotFromEntry(suite string, entry DocumentEntry) (types.RunSnapshot, error) {
	snapshot := types.RunSnapshot{
		CommitID:        entry.Commit.ID,
		IngestTimestamp: time.UnixMilli(entry.Date).UTC(),
		ToolName:        entry.Tool,
		Suite:           suite,
		Commit: types.CommitInfo{
			Author:    entry.Commit.Author,
			Committer: entry.Commit.Committer,
			Distinct:  entry.Commit.Distinct,
			Message:   entry.Commit.Message,
			TreeID:    entry.Commit.TreeID,
			URL:       entry.Commit.URL,
		},
		Metrics: make([]types.MetricRecord, 0, len(entry.Benches)),
	}

	if entry.Commit.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, entry.Commit.Timestamp)
		if err != nil {
			return types.RunSnapshot{}, fmt.Errorf("invalid commit timestamp %q: %w", entry.Commit.Timestamp, err)
		}
		snapshot.CommitTimestamp = ts
	}

	for _, b := range entry.Benches {
		m := types.MetricRecord{Name: b.Name, Value: b.Value, Unit: b.Unit}
		snapshot.Metrics = append(snapshot.Metrics, m.WithExtra(b.Extra))
	}
	return snapshot, nil
}

func entryFromSnapshot(s types.RunSnapshot) DocumentEntry {
	entry := DocumentEntry{
		Commit: DocumentCommit{
			Author:    s.Commit.Author,
			Committer: s.Commit.Committer,
			Distinct:  s.Commit.Distinct,
			ID:        s.CommitID,
			Message:   s.Commit.Message,
			TreeID:    s.Commit.TreeID,
			URL:       s.Commit.URL,
		},
		Date:    s.IngestTimestamp.UnixMilli(),
		Tool:    s.ToolName,
		Benches: make([]DocumentBench, 0, len(s.Metrics)),
	}
	if !s.CommitTimestamp.IsZero() {
		entry.Commit.Timestamp = s.CommitTimestamp.Format(time.RFC3339)
	}
	for _, m := range s.Metrics {
		extra := m.Extra
		if extra == "" {
			extra = types.FormatExtra(m.SampleCount, m.ConcurrencyHint)
		}
		entry.Benches = append(entry.Benches, DocumentBench{
			Name:  m.Name,
			Value: m.Value,
			Unit:  m.Unit,
			Extra: extra,
		})
	}
	return entry
}
