package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// handleNotifications streams funds-received events for one account as
// server-sent events. The subscription lives for the life of the request:
// registered here, removed when the client disconnects.
func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	sub := s.notifications.Subscribe(account)
	if sub == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "subscriber limit reached"})
		return
	}
	defer s.notifications.Unsubscribe(sub.ID)

	// The stream must outlive the server's write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.logger.Debug("notification stream opened",
		zap.String("account", account),
		zap.String("subscription", sub.ID),
	)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-sub.C:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: funds\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}
