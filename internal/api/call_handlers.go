package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dialflow/dialflow/internal/dial"
	"github.com/dialflow/dialflow/internal/ivr"
	"github.com/dialflow/dialflow/internal/pbx"
	"github.com/dialflow/dialflow/internal/push"
)

type createCallRequest struct {
	PhoneNumber    string `json:"phone_number"`
	Campaign       string `json:"campaign"`
	AssignmentUUID string `json:"assignment_uuid"`
}

type createCallResponse struct {
	Success bool   `json:"success"`
	CallID  string `json:"call_id"`
}

// handleCreateCall originates one outbound call on the assignment's trunk.
// The response is held until the origination has actually been issued, so
// the caller sees rate-limit waits and PBX failures directly.
func (s *Server) handleCreateCall(w http.ResponseWriter, r *http.Request) {
	var req createCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.PhoneNumber == "" || req.Campaign == "" || req.AssignmentUUID == "" {
		writeError(w, http.StatusBadRequest, "phone_number, campaign and assignment_uuid are required")
		return
	}

	// Creating a call proves the tenant is alive; slide the assignment TTL
	// before anything else.
	if err := s.trunks.KeepAlive(req.AssignmentUUID); err != nil {
		writeError(w, http.StatusNotFound, "assignment not found")
		return
	}
	a, ok := s.trunks.Lookup(req.AssignmentUUID)
	if !ok {
		writeError(w, http.StatusNotFound, "assignment not found")
		return
	}

	entry, ok := s.catalog.EntryStep(req.Campaign)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown campaign")
		return
	}

	fromNumber, ok := a.Trunk.RandomNumber()
	if !ok {
		writeError(w, http.StatusInternalServerError, "trunk has no caller id numbers")
		return
	}

	// The call id doubles as the PBX channel id, so every later event and
	// action fetch carries it.
	callID := uuid.NewString()
	s.calls.Save(callID, "created", req.Campaign)

	startURL := s.cfg.ActionBaseURL + "/action/" + entry
	sess := ivr.NewSession(s.ctx, callID, startURL, s.pbx, ivr.Hooks{
		OnAnswered: func() {
			s.push.Send(callID, push.StatusMessage{CallID: callID, Status: push.StatusAnswered})
		},
		OnDestroy: func() {
			s.sessions.Remove(callID)
		},
	}, s.logger)
	// Registered before the originate so a fast StasisStart finds it.
	s.sessions.Register(sess)

	endpoint := s.pbx.DialEndpoint(a.TrunkID, req.PhoneNumber)
	err := s.queue.Enqueue(r.Context(), a.TrunkID, func(ctx context.Context) error {
		return s.pbx.Originate(ctx, pbx.OriginateParams{
			Endpoint:  endpoint,
			CallerID:  fromNumber,
			ChannelID: callID,
		})
	})
	if err != nil {
		// No live call on any error path: the job was rejected or withdrawn
		// before it ran, or the originate itself failed. Destroy also hangs
		// up whatever a half-failed originate left behind.
		sess.Destroy()
		s.calls.Delete(callID)
		if errors.Is(err, r.Context().Err()) {
			s.logger.Warn("origination withdrawn, client gone",
				"call_id", callID,
				"trunk_id", a.TrunkID,
			)
			writeError(w, http.StatusInternalServerError, "origination abandoned")
			return
		}
		s.logger.Error("origination failed",
			"call_id", callID,
			"trunk_id", a.TrunkID,
			"error", err,
		)
		if errors.Is(err, dial.ErrQueueFull) {
			writeError(w, http.StatusInternalServerError, "origination queue full")
			return
		}
		writeError(w, http.StatusInternalServerError, "origination failed")
		return
	}

	writeJSON(w, http.StatusOK, createCallResponse{Success: true, CallID: callID})
}

// handleDestroyCall hangs up a live call.
func (s *Server) handleDestroyCall(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := s.sessions.Get(id); ok {
		sess.Destroy()
		writeJSON(w, http.StatusOK, successResponse{Success: true})
		return
	}

	// No live session; the channel may still exist on the PBX.
	if err := s.pbx.Hangup(r.Context(), id); err != nil {
		if pbx.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "call not found")
			return
		}
		s.logger.Error("destroy call: pbx hangup failed", "call_id", id, "error", err)
		writeError(w, http.StatusBadGateway, "pbx unavailable")
		return
	}

	writeJSON(w, http.StatusOK, successResponse{Success: true})
}

type queueStatsResponse struct {
	Success bool           `json:"success"`
	Queues  map[string]int `json:"queues"`
	Pending int            `json:"pending"`
}

// handleQueueStats reports per-trunk origination backlog.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	depths := s.queue.Depths()
	total := 0
	for _, n := range depths {
		total += n
	}

	writeJSON(w, http.StatusOK, queueStatsResponse{
		Success: true,
		Queues:  depths,
		Pending: total,
	})
}
