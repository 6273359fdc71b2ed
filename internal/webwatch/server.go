// Package webwatch exposes the state server's change stream to
// non-Go observers — browser dashboards, external monitoring — over a
// plain WebSocket, as an alternative to the Unix-socket SUBSCRIBE
// protocol that internal/proxy speaks. It carries the same
// codec.ChangeRecord values, just framed as JSON text WebSocket
// messages instead of newline-delimited JSON over a Unix socket.
package webwatch

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/gitter-badger/zproc/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to a WebSocket stream of change records
// from pub, honoring an optional ?key= filter and ?since= replay cursor
// the same way the Unix-socket SUBSCRIBE path does.
type Handler struct {
	pub *transport.Publisher
}

func NewHandler(pub *transport.Publisher) *Handler {
	return &Handler{pub: pub}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	key := r.URL.Query().Get("key")
	since := parseSince(r.URL.Query().Get("since"))

	ch, unsubscribe := h.pub.Subscribe(key)
	defer unsubscribe()

	for _, rec := range h.pub.RecentSince(since) {
		if key != "" && !rec.TouchesKey(key) {
			continue
		}
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}

	// Drain and discard client reads: this is a push-only stream, but a
	// dropped connection only surfaces to us via a failed read or write.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for rec := range ch {
		if err := conn.WriteJSON(rec); err != nil {
			return
		}
	}
}

func parseSince(s string) uint64 {
	var n uint64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint64(c-'0')
	}
	return n
}
