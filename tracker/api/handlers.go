package api

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/bench-history/tracker/analysis"
	"github.com/bench-history/tracker/ingest"
	"github.com/bench-history/tracker/storage"
	"github.com/bench-history/tracker/types"
)

const (
	maxBodyBytes      = 16 << 20
	defaultWindowSize = 5
)

// ingestResponse is returned for a persisted run
type ingestResponse struct {
	EnvironmentID string                  `json:"environment_id"`
	Snapshot      *types.RunSnapshot      `json:"snapshot"`
	Runs          int                     `json:"runs"`
	Report        *types.RegressionReport `json:"report,omitempty"`
	Outcome       *analysis.Outcome       `json:"outcome,omitempty"`
}

// checkResponse pairs a report with its gate decision
type checkResponse struct {
	Report  *types.RegressionReport `json:"report,omitempty"`
	Outcome analysis.Outcome        `json:"outcome"`
}

// handleIngest accepts a JSON harness result, or raw go test -bench output when
// the body is text/plain. Query parameters tool, suite, commit and commit_time
// fill fields the body does not carry. With check=true the new run is checked
// against its baseline in the same request.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	environmentID := mux.Vars(r)["env"]

	meta, err := metaFromQuery(r)
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var result *ingest.HarnessResult
	if isPlainText(r) {
		result, err = ingest.ParseGoBench(bytes.NewReader(body), meta)
	} else {
		result, err = ingest.ParseJSON(body, meta)
	}
	if err != nil {
		s.recordIngestion(err)
		s.writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	var (
		snapshot *types.RunSnapshot
		history  *types.EnvironmentHistory
	)
	err = ingest.RetryConflicts(ctx, s.opts.ConflictRetries, func() error {
		var ingestErr error
		snapshot, history, ingestErr = s.ingestor.Ingest(ctx, environmentID, result)
		return ingestErr
	})
	s.recordIngestion(err)
	if err != nil {
		s.requestLog(r).WithError(err).WithField("environment", environmentID).Warn("Ingestion failed")
		s.writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	s.hub.NotifySnapshotIngested(environmentID, snapshot, len(history.Snapshots))
	resp := ingestResponse{
		EnvironmentID: environmentID,
		Snapshot:      snapshot,
		Runs:          len(history.Snapshots),
	}

	if r.URL.Query().Get("check") == "true" {
		report, checkErr := s.detector.Detect(ctx, environmentID, *snapshot)
		outcome := s.finishCheck(r, report, checkErr)
		resp.Report = report
		resp.Outcome = &outcome
	}

	s.writeJSONResponse(w, http.StatusCreated, resp)
}

// handleHistory returns the persisted document for an environment
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	environmentID := mux.Vars(r)["env"]

	history, err := s.store.Load(r.Context(), environmentID)
	if err != nil {
		s.requestLog(r).WithError(err).WithField("environment", environmentID).Error("Failed to load history")
		s.writeErrorResponse(w, statusFor(err), err.Error())
		return
	}
	s.writeJSONResponse(w, http.StatusOK, storage.DocumentFromHistory(history))
}

// handleWindow returns the runs a check would use as its baseline
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	environmentID := mux.Vars(r)["env"]
	query := r.URL.Query()

	before := time.Now().UTC()
	if v := query.Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeErrorResponse(w, http.StatusBadRequest, "before must be an RFC 3339 timestamp")
			return
		}
		before = t
	}

	maxCount := defaultWindowSize
	if v := query.Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeErrorResponse(w, http.StatusBadRequest, "max must be a positive integer")
			return
		}
		maxCount = n
	}

	var (
		window []types.RunSnapshot
		err    error
	)
	if suite := query.Get("suite"); suite != "" {
		window, err = s.store.SuiteWindow(r.Context(), environmentID, suite, before, maxCount)
	} else {
		window, err = s.store.Window(r.Context(), environmentID, before, maxCount)
	}
	if err != nil {
		s.writeErrorResponse(w, statusFor(err), err.Error())
		return
	}

	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"environment_id": environmentID,
		"before":         before,
		"runs":           window,
		"count":          len(window),
	})
}

// handleCheck checks the latest run of an environment. A missing verdict is
// reported with its status code and never as a pass.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	environmentID := mux.Vars(r)["env"]

	report, err := s.detector.DetectLatest(r.Context(), environmentID, r.URL.Query().Get("suite"))
	outcome := s.finishCheck(r, report, err)
	if err != nil {
		s.writeJSONResponse(w, statusFor(err), checkResponse{Outcome: outcome})
		return
	}
	s.writeJSONResponse(w, http.StatusOK, checkResponse{Report: report, Outcome: outcome})
}

// handleHealth provides a health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"timestamp":         time.Now(),
		"websocket_clients": s.hub.ClientCount(),
	})
}

// finishCheck gates a detector result, publishes it and records telemetry
func (s *Server) finishCheck(r *http.Request, report *types.RegressionReport, err error) analysis.Outcome {
	outcome := analysis.Gate(report, err, s.opts.WarnOnly)
	if report != nil {
		if reportErr := s.hub.Report(r.Context(), report); reportErr != nil {
			s.requestLog(r).WithError(reportErr).Warn("Failed to publish report")
		}
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordReport(report)
		s.opts.Metrics.RecordOutcome(outcome)
	}
	s.requestLog(r).WithFields(logrus.Fields{
		"status":    outcome.Status,
		"exit_code": outcome.ExitCode,
	}).Info(outcome.Message)
	return outcome
}

func (s *Server) recordIngestion(err error) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordIngestion(err)
	}
}

func metaFromQuery(r *http.Request) (ingest.Meta, error) {
	query := r.URL.Query()
	meta := ingest.Meta{
		CommitID: query.Get("commit"),
		ToolName: query.Get("tool"),
		Suite:    query.Get("suite"),
	}
	if v := query.Get("commit_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ingest.Meta{}, &types.MalformedInputError{Field: "commit_time", Reason: "must be an RFC 3339 timestamp", Err: err}
		}
		meta.CommitTimestamp = t
	}
	return meta, nil
}

func isPlainText(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "text/plain"
}
