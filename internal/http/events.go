package http

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roelfdiedericks/devbrowser/internal/bus"
	. "github.com/roelfdiedericks/devbrowser/internal/logging"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = (eventsPongWait * 9) / 10
	eventsBuffer     = 64
)

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents streams bus events to a websocket client until either side
// goes away or the server stops. ?topic= narrows the stream to one topic.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		setCORS(w.Header())
		writeResponse(w, errorResponse(http.StatusNotFound, "Not found"))
		return
	}

	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		L_debug("http: events upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		topic = bus.TopicAll
	}

	// Slow clients lose events rather than stall the publisher.
	events := make(chan bus.Event, eventsBuffer)
	id := s.bus.Subscribe(topic, func(e bus.Event) {
		select {
		case events <- e:
		default:
			L_trace("http: events client lagging, dropped", "topic", e.Topic)
		}
	})
	defer s.bus.Unsubscribe(id)

	L_debug("http: events client connected", "remote", r.RemoteAddr, "topic", topic)

	gone := make(chan struct{})
	s.spawn("events reader", func() {
		defer close(gone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			L_debug("http: events client disconnected", "remote", r.RemoteAddr)
			return
		case <-s.shutdownChan:
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e := <-events:
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				L_debug("http: events write failed", "error", err)
				return
			}
		}
	}
}
