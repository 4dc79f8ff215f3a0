package server

import (
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/gorilla/websocket"

	"github.com/chorushq/chorus/pkg/speech"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.speech.Stats())
}

// handleRecognize is the plain-HTTP mirror of the Recognize procedure for
// clients that cannot speak Connect.
func (s *Server) handleRecognize(w http.ResponseWriter, r *http.Request) {
	var req speech.RecognizeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body", "BAD_REQUEST")
		return
	}

	resp, err := s.speech.Recognize(r.Context(), connect.NewRequest(&req))
	if err != nil {
		status := http.StatusBadRequest
		if connect.CodeOf(err) == connect.CodeResourceExhausted {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error(), "RECOGNIZE_FAILED")
		return
	}
	writeJSON(w, http.StatusOK, resp.Msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// CLI clients send no Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleListen upgrades to a websocket and runs a streaming recognition
// session on it.
func (s *Server) handleListen(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	if err := s.speech.Listen(r.Context(), conn); err != nil {
		slog.Debug("websocket listen", "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}
