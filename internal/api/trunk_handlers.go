package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dialflow/dialflow/internal/trunk"
)

// successResponse is the minimal OK body for endpoints with nothing else to
// say.
type successResponse struct {
	Success bool `json:"success"`
}

type assignTrunkRequest struct {
	UserToken string `json:"user_token"`
}

type assignTrunkResponse struct {
	Success        bool   `json:"success"`
	AssignmentUUID string `json:"assignment_uuid"`
	TrunkName      string `json:"trunk_name"`
}

// handleAssignTrunk reserves one trunk slot for the requesting tenant.
func (s *Server) handleAssignTrunk(w http.ResponseWriter, r *http.Request) {
	var req assignTrunkRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.UserToken == "" {
		writeError(w, http.StatusBadRequest, "user_token is required")
		return
	}

	a, err := s.trunks.Assign(req.UserToken)
	if err != nil {
		writeError(w, http.StatusNotFound, "no trunk available")
		return
	}

	writeJSON(w, http.StatusOK, assignTrunkResponse{
		Success:        true,
		AssignmentUUID: a.ID,
		TrunkName:      a.TrunkID,
	})
}

type releaseTrunkRequest struct {
	AssignmentUUID string `json:"assignment_uuid"`
}

// handleReleaseTrunk returns an assignment's slot before its TTL does.
func (s *Server) handleReleaseTrunk(w http.ResponseWriter, r *http.Request) {
	var req releaseTrunkRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.AssignmentUUID == "" {
		writeError(w, http.StatusBadRequest, "assignment_uuid is required")
		return
	}

	if err := s.trunks.Release(req.AssignmentUUID); err != nil {
		writeError(w, http.StatusNotFound, "assignment not found")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type addTrunkRequest struct {
	IPServer     string `json:"ip_server"`
	SipUsername  string `json:"sip_username"`
	SipPassword  string `json:"sip_password"`
	SipServerURL string `json:"sip_server_url"`
	Type         string `json:"type"`
}

// handleAddTrunk proxies trunk provisioning to the management agent running
// next to the target PBX. The upstream reply is relayed verbatim.
func (s *Server) handleAddTrunk(w http.ResponseWriter, r *http.Request) {
	var req addTrunkRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.IPServer == "" {
		writeError(w, http.StatusBadRequest, "ip_server is required")
		return
	}

	resp, err := s.trunkMgmt.AddTrunk(r.Context(), req.IPServer, trunk.AddTrunkRequest{
		Username: req.SipUsername,
		Password: req.SipPassword,
		Server:   req.SipServerURL,
		Type:     req.Type,
	})
	if err != nil {
		s.logger.Error("add trunk: management agent unreachable",
			"ip_server", req.IPServer,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "trunk management server unreachable")
		return
	}

	relayUpstream(w, resp)
}

type deleteTrunkRequest struct {
	IPServer string `json:"ip_server"`
}

// handleDeleteTrunk proxies trunk removal to the management agent.
func (s *Server) handleDeleteTrunk(w http.ResponseWriter, r *http.Request) {
	trunkID := chi.URLParam(r, "trunkID")

	var req deleteTrunkRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.IPServer == "" {
		writeError(w, http.StatusBadRequest, "ip_server is required")
		return
	}

	resp, err := s.trunkMgmt.DeleteTrunk(r.Context(), req.IPServer, trunkID)
	if err != nil {
		s.logger.Error("delete trunk: management agent unreachable",
			"ip_server", req.IPServer,
			"trunk_id", trunkID,
			"error", err,
		)
		writeError(w, http.StatusBadGateway, "trunk management server unreachable")
		return
	}

	relayUpstream(w, resp)
}

type trunkListResponse struct {
	Success bool        `json:"success"`
	Stats   trunk.Stats `json:"stats"`
}

// handleListTrunks returns aggregate inventory and usage stats.
func (s *Server) handleListTrunks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, trunkListResponse{
		Success: true,
		Stats:   s.trunks.Stats(),
	})
}

// relayUpstream forwards a management agent reply untouched: upstream
// status, content type and body. Agents that omit the content type get
// application/json.
func relayUpstream(w http.ResponseWriter, resp trunk.MgmtResponse) {
	ct := resp.ContentType
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}
