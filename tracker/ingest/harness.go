package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bench-history/tracker/types"
)

// HarnessResult is one raw benchmark harness run before validation
type HarnessResult struct {
	CommitID        string
	CommitTimestamp time.Time
	ToolName        string
	Suite           string
	Commit          types.CommitInfo
	Metrics         []types.MetricRecord
}

// Meta supplies run metadata that the harness output itself does not carry.
// Fields only fill blanks; values present in the output win.
type Meta struct {
	CommitID        string
	CommitTimestamp time.Time
	ToolName        string
	Suite           string
}

func (m Meta) apply(r *HarnessResult) {
	if r.CommitID == "" {
		r.CommitID = m.CommitID
	}
	if r.CommitTimestamp.IsZero() {
		r.CommitTimestamp = m.CommitTimestamp
	}
	if r.ToolName == "" {
		r.ToolName = m.ToolName
	}
	if r.Suite == "" {
		r.Suite = m.Suite
	}
}

// Validate checks the fields a harness result must carry before it can become a snapshot
func (r *HarnessResult) Validate() error {
	if r.CommitID == "" {
		return &types.MalformedInputError{Field: "commit.id", Reason: "is required"}
	}
	if r.ToolName == "" {
		return &types.MalformedInputError{Field: "tool", Reason: "is required"}
	}
	if len(r.Metrics) == 0 {
		return &types.MalformedInputError{Field: "benches", Reason: "must contain at least one measurement"}
	}

	seen := make(map[string]bool, len(r.Metrics))
	for i, m := range r.Metrics {
		field := fmt.Sprintf("benches[%d]", i)
		switch {
		case m.Name == "":
			return &types.MalformedInputError{Field: field + ".name", Reason: "is required"}
		case seen[m.Name]:
			return &types.MalformedInputError{Field: field + ".name", Reason: fmt.Sprintf("duplicates %q", m.Name)}
		case math.IsNaN(m.Value) || math.IsInf(m.Value, 0):
			return &types.MalformedInputError{Field: field + ".value", Reason: "must be a finite number"}
		case m.Value < 0:
			return &types.MalformedInputError{Field: field + ".value", Reason: fmt.Sprintf("must not be negative, got %g", m.Value)}
		}
		seen[m.Name] = true
	}
	return nil
}

// harnessSchema describes the accepted JSON shapes: a full run object, or a bare
// array of benches whose run metadata comes from Meta.
const harnessSchema = `{
  "definitions": {
    "author": {
      "type": "object",
      "properties": {
        "email": {"type": "string"},
        "name": {"type": "string"},
        "username": {"type": "string"}
      }
    },
    "bench": {
      "type": "object",
      "required": ["name", "value"],
      "properties": {
        "name": {"type": "string"},
        "value": {"type": "number"},
        "unit": {"type": "string"},
        "extra": {"type": "string"}
      }
    },
    "benches": {
      "type": "array",
      "items": {"$ref": "#/definitions/bench"}
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/benches"},
    {
      "type": "object",
      "required": ["benches"],
      "properties": {
        "suite": {"type": "string"},
        "tool": {"type": "string"},
        "commit": {
          "type": "object",
          "properties": {
            "id": {"type": "string"},
            "timestamp": {"type": "string"},
            "author": {"$ref": "#/definitions/author"},
            "committer": {"$ref": "#/definitions/author"},
            "distinct": {"type": "boolean"},
            "message": {"type": "string"},
            "tree_id": {"type": "string"},
            "url": {"type": "string"}
          }
        },
        "benches": {"$ref": "#/definitions/benches"}
      }
    }
  ]
}`

var compiledHarnessSchema = func() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(harnessSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid harness schema: %v", err))
	}
	return schema
}()

type harnessJSON struct {
	Suite   string      `json:"suite"`
	Tool    string      `json:"tool"`
	Commit  commitJSON  `json:"commit"`
	Benches []benchJSON `json:"benches"`
}

type commitJSON struct {
	ID        string              `json:"id"`
	Timestamp string              `json:"timestamp"`
	Author    *types.CommitAuthor `json:"author"`
	Committer *types.CommitAuthor `json:"committer"`
	Distinct  *bool               `json:"distinct"`
	Message   string              `json:"message"`
	TreeID    string              `json:"tree_id"`
	URL       string              `json:"url"`
}

type benchJSON struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
	Extra string  `json:"extra"`
}

// ParseJSON parses a JSON harness result. Structural problems are reported as
// *types.MalformedInputError; semantic checks happen in Validate.
func ParseJSON(data []byte, meta Meta) (*HarnessResult, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, &types.MalformedInputError{Reason: "empty input"}
	}

	validation, err := compiledHarnessSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &types.MalformedInputError{Reason: "is not valid JSON", Err: err}
	}
	if !validation.Valid() {
		return nil, schemaError(validation.Errors())
	}

	var raw harnessJSON
	if data[0] == '[' {
		if err := json.Unmarshal(data, &raw.Benches); err != nil {
			return nil, &types.MalformedInputError{Reason: "is not valid JSON", Err: err}
		}
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &types.MalformedInputError{Reason: "is not valid JSON", Err: err}
	}

	result := &HarnessResult{
		CommitID: raw.Commit.ID,
		ToolName: raw.Tool,
		Suite:    raw.Suite,
		Commit: types.CommitInfo{
			Author:    raw.Commit.Author,
			Committer: raw.Commit.Committer,
			Distinct:  raw.Commit.Distinct,
			Message:   raw.Commit.Message,
			TreeID:    raw.Commit.TreeID,
			URL:       raw.Commit.URL,
		},
		Metrics: make([]types.MetricRecord, 0, len(raw.Benches)),
	}
	if raw.Commit.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339, raw.Commit.Timestamp)
		if err != nil {
			return nil, &types.MalformedInputError{Field: "commit.timestamp", Reason: "is not RFC 3339", Err: err}
		}
		result.CommitTimestamp = ts
	}
	for _, b := range raw.Benches {
		m := types.MetricRecord{Name: b.Name, Value: b.Value, Unit: b.Unit}
		result.Metrics = append(result.Metrics, m.WithExtra(b.Extra))
	}

	meta.apply(result)
	return result, nil
}

// schemaError reports the most specific violation. oneOf failures list the
// branch errors after the summary, so prefer anything that names a field.
func schemaError(errs []gojsonschema.ResultError) error {
	chosen := errs[0]
	for _, e := range errs {
		if e.Type() != "number_one_of" && e.Field() != "(root)" {
			chosen = e
			break
		}
	}
	return &types.MalformedInputError{Field: chosen.Field(), Reason: chosen.Description()}
}
