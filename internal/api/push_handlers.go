package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Push clients connect from arbitrary dashboards.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handlePushSocket upgrades the root path to the per-call push channel.
// The socket is server-push only; client frames are drained and dropped.
func (s *Server) handlePushSocket(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	callID := r.URL.Query().Get("callId")
	if callID == "" {
		writeError(w, http.StatusBadRequest, "callId is required")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "call_id", callID, "error", err)
		return
	}

	if err := s.push.Attach(callID, conn); err != nil {
		s.logger.Warn("push attach rejected", "call_id", callID, "error", err)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session already open"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	s.logger.Info("push socket attached", "call_id", callID)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.push.Detach(callID, conn)
	conn.Close()
	s.logger.Info("push socket detached", "call_id", callID)
}
