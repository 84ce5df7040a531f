package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// scanRequest is the optional request body for POST /discovery/scan.
// An empty or absent body triggers a full pass.
type scanRequest struct {
	Scope []string `json:"scope,omitempty"`
}

// handleScan triggers a discovery pass and returns its report.
//
// A non-empty scope restricts the pass to the named devices and skips
// new-device probing. If a pass is already running the returned report has
// skipped=true and no work was performed.
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}

	report := s.scanner.Trigger(r.Context(), req.Scope)

	status := http.StatusOK
	if report.Skipped {
		// Another pass holds the scan lock; nothing ran.
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}

// handleLastReport returns the report of the most recent completed pass.
func (s *Server) handleLastReport(w http.ResponseWriter, _ *http.Request) {
	report := s.scanner.LastReport()
	if report == nil {
		writeNotFound(w, "no discovery pass has completed yet")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
