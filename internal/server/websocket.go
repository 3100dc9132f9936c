package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"mediaserver/internal/download"
	"mediaserver/internal/logging"
	"mediaserver/internal/metrics"
	"mediaserver/internal/store"
)

const wsWriteTimeout = 10 * time.Second

// progressMessage is pushed to websocket clients. Listing messages carry
// the active and queued Records; finished messages carry the journal seq of
// a newly recorded terminal Record.
type progressMessage struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
	*download.Listing
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		logging.LogWebsocket(clientIP(r), "upgrade_failed", err)
		return
	}
	defer conn.Close()

	remote := clientIP(r)
	logging.LogWebsocket(remote, "connected", nil)
	metrics.WebsocketClients.Inc()
	defer metrics.WebsocketClients.Dec()

	// The read side only exists to process control frames and notice the
	// peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var changes <-chan store.ChangeEvent
	if s.history != nil {
		ch, unsubscribe := s.history.SubscribeChanges(16)
		defer unsubscribe()
		changes = ch
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	err = s.pushListing(conn)
	for err == nil {
		select {
		case <-gone:
			logging.LogWebsocket(remote, "disconnected", nil)
			return
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			err = s.pushListing(conn)
		case evt := <-changes:
			if evt.Type == store.ChangeInsert && evt.Seq > 0 {
				err = writeMessage(conn, progressMessage{Type: "finished", Seq: evt.Seq})
			}
			if err == nil {
				err = s.pushListing(conn)
			}
		}
	}
	logging.LogWebsocket(remote, "write_failed", err)
}

func (s *Server) pushListing(conn *websocket.Conn) error {
	l := s.mgr.List()
	return writeMessage(conn, progressMessage{Type: "listing", Listing: &l})
}

func writeMessage(conn *websocket.Conn, msg progressMessage) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
