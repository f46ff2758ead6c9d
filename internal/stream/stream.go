// Package stream pushes live session status over WebSocket so the upload
// page does not have to poll while a browser session grinds through files.
package stream

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/dfci-online/luminate-cookbook/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server streams session state snapshots to connected clients.
type Server struct {
	mgr      *session.Manager
	interval time.Duration
	log      logrus.FieldLogger
}

// NewServer creates a stream server pushing one snapshot per interval.
func NewServer(mgr *session.Manager, interval time.Duration, log logrus.FieldLogger) *Server {
	if interval <= 0 {
		interval = time.Second
	}
	return &Server{mgr: mgr, interval: interval, log: log}
}

// statusEvent is the wire format for one pushed snapshot.
type statusEvent struct {
	SessionID      string  `json:"sessionId"`
	State          string  `json:"state"`
	Progress       float64 `json:"progress"`
	CompletedFiles int     `json:"completedFiles"`
	TotalFiles     int     `json:"totalFiles"`
	Message        string  `json:"message"`
	Terminal       bool    `json:"terminal"`
}

// HandleSessionEvents upgrades the connection and pushes snapshots until the
// session reaches a terminal state or the client goes away. The terminal
// snapshot is always delivered before the connection closes.
func (s *Server) HandleSessionEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	if _, err := s.mgr.Status(sessionID); err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.WithField("session", sessionID)
	log.Debug("status stream connected")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Reads are discarded; their only purpose is detecting disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		view, err := s.mgr.Status(sessionID)
		if err != nil {
			// Swept out of the registry; nothing more to report.
			return
		}

		event := statusEvent{
			SessionID:      view.ID,
			State:          string(view.State),
			Progress:       view.Progress,
			CompletedFiles: view.CompletedFiles,
			TotalFiles:     view.TotalFiles,
			Message:        view.Message,
			Terminal:       view.State.Terminal(),
		}
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		if event.Terminal {
			log.Debug("status stream finished")
			return
		}

		select {
		case <-gone:
			log.Debug("status stream client disconnected")
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
