package controlplane

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/commentops/internal/bus"
	"github.com/fentz26/commentops/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	eventBuffer    = 256
	eventWriteWait = 10 * time.Second
	eventPongWait  = 60 * time.Second
	eventPingEvery = eventPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
		return false
	},
}

// EventStream streams bus messages to websocket clients. Each client gets
// its own bus tap; a client that falls behind loses messages instead of
// slowing the bus.
type EventStream struct {
	bus    *bus.Bus
	logger *slog.Logger
}

// NewEventStream creates an event stream over b.
func NewEventStream(b *bus.Bus, logger *slog.Logger) *EventStream {
	return &EventStream{bus: b, logger: logging.Component(logger, "events")}
}

// ServeHTTP upgrades the request and streams messages until the client goes
// away. The optional topic query parameter restricts the stream to one topic.
func (e *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	topic := r.URL.Query().Get("topic")
	send := make(chan bus.Message, eventBuffer)
	sub := e.bus.SubscribeAll(func(msg bus.Message) error {
		if topic != "" && msg.Topic != topic {
			return nil
		}
		select {
		case send <- msg:
		default:
		}
		return nil
	})
	defer e.bus.Unsubscribe(sub)

	e.logger.Debug("event client connected", "remote", r.RemoteAddr, "topic", topic)
	closed := make(chan struct{})
	go e.readLoop(conn, closed)

	ping := time.NewTicker(eventPingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			e.logger.Debug("event client disconnected", "remote", r.RemoteAddr)
			return
		case <-r.Context().Done():
			return
		case msg := <-send:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteJSON(msg); err != nil {
				e.logger.Debug("event write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards client frames and closes done when the connection ends.
func (e *EventStream) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(eventPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
