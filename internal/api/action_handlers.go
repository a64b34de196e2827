package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dialflow/dialflow/internal/catalog"
)

// handleAction serves the XML dialogue script for one step of a live call.
// The body is always XML and the status always 200: the PBX cannot
// interpret anything else mid-call.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	status := chi.URLParam(r, "status")
	q := r.URL.Query()

	script := s.engine.Respond(status, q.Get("uuid"), q.Get("Digits"))

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	w.Write(script)
}

type debugCampaignsResponse struct {
	Success   bool                                     `json:"success"`
	Count     int                                      `json:"count"`
	Campaigns map[string]map[string]catalog.ActionSpec `json:"campaigns"`
}

// handleDebugCampaigns dumps the loaded campaign catalog, or a single
// campaign when ?campaign= names one.
func (s *Server) handleDebugCampaigns(w http.ResponseWriter, r *http.Request) {
	if name := r.URL.Query().Get("campaign"); name != "" {
		steps, ok := s.catalog.Campaign(name)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown campaign")
			return
		}
		writeJSON(w, http.StatusOK, debugCampaignsResponse{
			Success:   true,
			Count:     1,
			Campaigns: map[string]map[string]catalog.ActionSpec{name: steps},
		})
		return
	}

	snapshot := s.catalog.Snapshot()
	writeJSON(w, http.StatusOK, debugCampaignsResponse{
		Success:   true,
		Count:     len(snapshot),
		Campaigns: snapshot,
	})
}

type debugReloadResponse struct {
	Success   bool `json:"success"`
	Campaigns int  `json:"campaigns"`
}

// handleDebugReload refetches the campaign catalog out of schedule.
func (s *Server) handleDebugReload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		writeError(w, http.StatusServiceUnavailable, "catalog url not configured")
		return
	}
	if err := s.reloader.Refresh(r.Context()); err != nil {
		s.logger.Error("catalog reload failed", "error", err)
		writeError(w, http.StatusBadGateway, "catalog refresh failed")
		return
	}

	writeJSON(w, http.StatusOK, debugReloadResponse{
		Success:   true,
		Campaigns: s.catalog.Len(),
	})
}

type validateOtpRequest struct {
	IsValid *bool `json:"isValid"`
}

// handleValidateOtp applies an external OTP verdict to a live call.
func (s *Server) handleValidateOtp(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var req validateOtpRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.IsValid == nil {
		writeError(w, http.StatusBadRequest, "isValid is required")
		return
	}

	if err := s.validator.Validate(callID, *req.IsValid); err != nil {
		writeError(w, http.StatusNotFound, "call not found")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}
