package hmr

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingEvery = (wsPongWait * 9) / 10

	// Subprotocol is the websocket subprotocol live-reload clients request.
	Subprotocol = "vite-hmr"
)

var connectedPayload = []byte(`{"type":"connected"}`)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// Handler upgrades requests to websockets and streams hub payloads. A
// client may pass ?after=<seq> to replay only newer history.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debug("hmr upgrade failed", "err", err)
			return
		}
		defer conn.Close()

		live, unsub, seq, history := h.Subscribe()
		defer unsub()
		if raw := r.URL.Query().Get("after"); raw != "" {
			if after, err := strconv.ParseUint(raw, 10, 64); err == nil {
				history = h.Replay(after)
			}
		}

		if err := conn.SetReadDeadline(time.Now().Add(wsPongWait)); err != nil {
			return
		}
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})

		readerDone := make(chan struct{})
		go func() {
			defer close(readerDone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		write := func(payload []byte) bool {
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
				return false
			}
			return conn.WriteMessage(websocket.TextMessage, payload) == nil
		}
		if !write(connectedPayload) {
			return
		}
		for _, msg := range history {
			if msg.Seq > seq {
				break
			}
			if !write(msg.Payload) {
				return
			}
		}

		ticker := time.NewTicker(wsPingEvery)
		defer ticker.Stop()
		for {
			select {
			case <-readerDone:
				return
			case <-r.Context().Done():
				return
			case msg, ok := <-live:
				if !ok {
					return
				}
				if !write(msg.Payload) {
					h.log.Debug("hmr client write failed", "seq", msg.Seq)
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	})
}
