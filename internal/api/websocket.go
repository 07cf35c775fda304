package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harrison/taskforge/internal/broadcaster"
)

// upgrader accepts every origin. The chi/cors middleware upstream only
// withholds CORS response headers from origins outside the allow-list; it
// does not reject the request, so /ws performs no origin check of its own.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type clientMessage struct {
	Type string `json:"type"`
}

// handleWebSocket is GET /ws?client_id=... (§4.6, §6). It joins the
// Broadcaster fan-out, forwards every published Event as a JSON frame, and
// echoes a client "ping" with "pong". gorilla/websocket forbids concurrent
// writers on one connection, so readPump never writes to conn itself — it
// signals writePump over the pongs channel, and writePump alone calls
// conn.WriteJSON.
func (a *API) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("api: websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := a.hub.Subscribe(clientID)
	defer unsubscribe()

	done := make(chan struct{})
	pongs := make(chan struct{}, 1)
	go a.readPump(conn, pongs, done)

	a.writePump(conn, events, pongs, done)
}

// readPump drains inbound client frames, signaling writePump to reply to a
// "ping" with "pong" and closing done once the connection errors out (§6,
// "Client may send {"type":"ping"}; server replies {"type":"pong"}").
func (a *API) readPump(conn *websocket.Conn, pongs chan<- struct{}, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// writePump is the sole writer of conn: it forwards every Event published
// on events and every pong signal from readPump, until done closes or the
// Hub drops this subscriber.
func (a *API) writePump(conn *websocket.Conn, events <-chan broadcaster.Event, pongs <-chan struct{}, done chan struct{}) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-pongs:
			if err := conn.WriteJSON(map[string]string{"type": "pong"}); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
