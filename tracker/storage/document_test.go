package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bench-history/tracker/types"
)

func loadFixture(t *testing.T, env string) *Document {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", env, "data.js"))
	require.NoError(t, err)
	doc, err := DecodeDocument(raw)
	require.NoError(t, err)
	return doc
}

func TestDecodeDocument_DataJSFixtures(t *testing.T) {
	tests := []struct {
		env        string
		runs       int
		firstValue float64
		firstExtra types.ExtraInfo
	}{
		{env: "ubuntu-22.04", runs: 2, firstValue: 190.8, firstExtra: types.ExtraInfo{SampleCount: 6426163, ConcurrencyHint: 4}},
		{env: "windows-2022", runs: 1, firstValue: 12740356, firstExtra: types.ExtraInfo{SampleCount: 100, ConcurrencyHint: 4}},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			doc := loadFixture(t, tt.env)
			assert.Equal(t, "https://github.com/nlnwa/warchaeology", doc.RepoURL)
			require.Contains(t, doc.Entries, "Go Benchmark")

			history, err := HistoryFromDocument(tt.env, doc)
			require.NoError(t, err)
			require.Len(t, history.Snapshots, tt.runs)

			first := history.Snapshots[0]
			assert.Equal(t, "Go Benchmark", first.Suite)
			assert.Equal(t, "go", first.ToolName)
			require.Len(t, first.Metrics, 1)
			assert.Equal(t, "BenchmarkDummy", first.Metrics[0].Name)
			assert.Equal(t, "ns/op", first.Metrics[0].Unit)
			assert.Equal(t, tt.firstValue, first.Metrics[0].Value)
			assert.Equal(t, tt.firstExtra.SampleCount, first.Metrics[0].SampleCount)
			assert.Equal(t, tt.firstExtra.ConcurrencyHint, first.Metrics[0].ConcurrencyHint)
			require.NotNil(t, first.Commit.Author)
			assert.Equal(t, "trym-b", first.Commit.Author.Username)

			last := history.Snapshots[len(history.Snapshots)-1]
			assert.True(t, history.LastUpdate.Equal(last.IngestTimestamp))
		})
	}
}

func TestDecodeDocument_CommitTimestampKeepsOffset(t *testing.T) {
	history, err := HistoryFromDocument("ubuntu-22.04", loadFixture(t, "ubuntu-22.04"))
	require.NoError(t, err)

	want := time.Date(2024, 3, 12, 10, 11, 1, 0, time.UTC)
	assert.True(t, history.Snapshots[0].CommitTimestamp.Equal(want))
	assert.Equal(t, int64(1710238281219), history.Snapshots[0].IngestTimestamp.UnixMilli())
}

func TestDocument_RoundTrip(t *testing.T) {
	for _, env := range []string{"ubuntu-22.04", "windows-2022"} {
		t.Run(env, func(t *testing.T) {
			original := loadFixture(t, env)
			history, err := HistoryFromDocument(env, original)
			require.NoError(t, err)

			for _, format := range []Format{FormatJSON, FormatDataJS} {
				encoded, err := EncodeDocument(DocumentFromHistory(history), format)
				require.NoError(t, err)

				decoded, err := DecodeDocument(encoded)
				require.NoError(t, err)
				assert.Equal(t, original.Entries, decoded.Entries)
				assert.Equal(t, original.RepoURL, decoded.RepoURL)

				again, err := HistoryFromDocument(env, decoded)
				require.NoError(t, err)
				assert.Equal(t, history, again)
			}
		})
	}
}

func TestEncodeDocument_Deterministic(t *testing.T) {
	doc := loadFixture(t, "ubuntu-22.04")
	doc.Entries["A Suite"] = doc.Entries["Go Benchmark"][:1]

	first, err := EncodeDocument(doc, FormatJSON)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := EncodeDocument(doc, FormatJSON)
		require.NoError(t, err)
		assert.Equal(t, first, next)
	}
	assert.Less(t, strings.Index(string(first), `"A Suite"`), strings.Index(string(first), `"Go Benchmark"`))
}

func TestEncodeDocument_Formats(t *testing.T) {
	doc := &Document{LastUpdate: 1, RepoURL: "https://example.com/repo"}

	js, err := EncodeDocument(doc, FormatDataJS)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(js), "window.BENCHMARK_DATA = {"))

	plain, err := EncodeDocument(doc, FormatJSON)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(plain), "{\n  \"lastUpdate\": 1,"))
	assert.True(t, strings.HasSuffix(string(plain), "}\n"))

	_, err = EncodeDocument(doc, Format("yaml"))
	assert.Error(t, err)
}

func TestDecodeDocument_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "hello"},
		{name: "assignment without value", input: "window.BENCHMARK_DATA"},
		{name: "truncated", input: `window.BENCHMARK_DATA = {"entries": {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDocument([]byte(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestHistoryFromDocument_InvalidCommitTimestamp(t *testing.T) {
	doc := &Document{Entries: map[string][]DocumentEntry{
		"go": {{Commit: DocumentCommit{ID: "abc", Timestamp: "yesterday"}, Date: 1000, Tool: "go"}},
	}}

	_, err := HistoryFromDocument("env", doc)
	assert.ErrorContains(t, err, "invalid commit timestamp")
}

func TestHistoryFromDocument_UnparsableExtraKeptRaw(t *testing.T) {
	doc := &Document{Entries: map[string][]DocumentEntry{
		"go": {{
			Commit:  DocumentCommit{ID: "abc"},
			Date:    1000,
			Tool:    "go",
			Benches: []DocumentBench{{Name: "BenchmarkX", Value: 1, Unit: "ns/op", Extra: "warm cache"}},
		}},
	}}

	history, err := HistoryFromDocument("env", doc)
	require.NoError(t, err)
	m := history.Snapshots[0].Metrics[0]
	assert.Equal(t, "warm cache", m.Extra)
	assert.Zero(t, m.SampleCount)
	assert.Zero(t, m.ConcurrencyHint)

	back := DocumentFromHistory(history)
	assert.Equal(t, "warm cache", back.Entries["go"][0].Benches[0].Extra)
}

func TestHistoryFromDocument_InterleavesSuitesByDate(t *testing.T) {
	doc := &Document{Entries: map[string][]DocumentEntry{
		"b": {{Commit: DocumentCommit{ID: "1"}, Date: 1000}, {Commit: DocumentCommit{ID: "3"}, Date: 3000}},
		"a": {{Commit: DocumentCommit{ID: "2"}, Date: 2000}},
	}}

	history, err := HistoryFromDocument("env", doc)
	require.NoError(t, err)
	ids := make([]string, 0, len(history.Snapshots))
	for _, s := range history.Snapshots {
		ids = append(ids, s.CommitID)
	}
	assert.Equal(t, []string{"1", "2", "3"}, ids)
	assert.Equal(t, int64(3000), history.LastUpdate.UnixMilli())
}
