package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/donkeylabs/core/eventbus"
)

// upgrader allows any origin: this boundary is meant to sit behind a
// reverse proxy or be consumed by same-origin tooling, not exposed
// directly to untrusted browsers. Auth/authz policy is out of scope here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// streamEvents upgrades the connection and fans out every Bus emission
// (optionally filtered to a single event name via ?name=) as a JSON frame
// per eventbus.Record. Grounded on converter/thumbnailer
// websocket clients (gorilla/websocket, one goroutine writing, a ticker
// keeping the connection alive) run here in the server role instead of
// the client role.
func streamEvents(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Bus == nil {
			writeError(w, http.StatusServiceUnavailable, "event bus not available")
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		name := r.URL.Query().Get("name")
		if name == "" {
			name = "*"
		}

		records := make(chan eventbus.Record, 64)
		sub := d.Bus.On(name, func(_ context.Context, rec eventbus.Record) {
			select {
			case records <- rec:
			default:
				// slow subscriber: drop rather than block Emit's synchronous
				// delivery loop.
			}
		})
		defer d.Bus.Off(name, &sub)

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()

		// A reader goroutine is required so gorilla/websocket processes
		// control frames (close, pong) and the handler notices a closed
		// client instead of blocking forever on the write side.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case rec := <-records:
				b, err := json.Marshal(rec)
				if err != nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			case <-ping.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}
