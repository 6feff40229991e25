package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func registerWSRoute(mux *http.ServeMux, hub *Hub, view SessionView, docs DocumentPanel) {
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("ws upgrade")
			return
		}
		defer func() { _ = conn.Close() }()

		// Subscribe before the snapshot so no change is lost in between.
		ch := hub.Subscribe()
		defer hub.Unsubscribe(ch)

		now := time.Now().UTC()
		initial := []any{ConnectionEvent{Event: newEvent("connection", now), Connected: true}}
		if view != nil {
			initial = append(initial, StateEvent{Event: newEvent("state", now), State: view.Presence()})
			for _, entry := range view.Transcript() {
				initial = append(initial, newTranscriptEvent(entry))
			}
		}
		if docs != nil {
			initial = append(initial, DocumentsEvent{Event: newEvent("documents", now), Files: nonNilFiles(docs.Files())})
		}
		for _, event := range initial {
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}

		// Reads only detect the peer closing.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-closed:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}
