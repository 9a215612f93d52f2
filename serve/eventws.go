package serve

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"camml/events"
)

const (
	// Time allowed to write message to the client
	writeWait  = 10 * time.Second
	pingPeriod = 10 * time.Second

	// Messages buffered per client before new ones are dropped.
	clientBuffer = 16
)

// Message is the envelope written to websocket clients.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventStream pushes pipeline state changes and per-frame detection
// summaries to websocket clients as JSON.
type EventStream struct {
	upgrader websocket.Upgrader

	lock  sync.Mutex
	cs    map[chan []byte]bool
	unsub []func()
}

func NewEventStream(bus *events.Bus) *EventStream {
	s := &EventStream{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cs: make(map[chan []byte]bool),
	}
	s.unsub = append(s.unsub,
		bus.Subscribe(func(ev events.StateChanged) {
			s.broadcast(Message{Type: "state", Data: ev})
		}),
		bus.Subscribe(func(ev events.FrameProcessed) {
			s.broadcast(Message{Type: "frame", Data: ev})
		}),
	)
	return s
}

func (s *EventStream) broadcast(m Message) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.cs) == 0 {
		return
	}
	b, err := json.Marshal(m)
	if err != nil {
		log.Errorf("Failed to encode %s event: %v", m.Type, err)
		return
	}
	for c := range s.cs {
		select {
		case c <- b:
		default:
			// Slow client; it misses this event.
		}
	}
}

func (s *EventStream) clients() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return len(s.cs)
}

func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if _, ok := err.(websocket.HandshakeError); !ok {
			log.WithField("addr", r.RemoteAddr).Errorf("Websocket handshake failed for event stream: %v", err)
		}
		return
	}
	c := make(chan []byte, clientBuffer)
	s.lock.Lock()
	s.cs[c] = true
	s.lock.Unlock()
	go s.serve(ws, c)
}

func (s *EventStream) serve(ws *websocket.Conn, c chan []byte) {
	clog := log.WithField("addr", ws.RemoteAddr())
	clog.Info("connected to event stream")
	defer func() {
		s.lock.Lock()
		delete(s.cs, c)
		s.lock.Unlock()
		ws.Close()
		clog.Info("disconnected from event stream")
	}()
	pingTicker := time.NewTicker(pingPeriod)
	defer pingTicker.Stop()

	// Even though we don't care about incoming messages, we need to read from
	// the socket in order to process control messages.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case b := <-c:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-pingTicker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// Close stops listening to the bus. Connected clients stay open until they
// disconnect.
func (s *EventStream) Close() {
	for _, u := range s.unsub {
		u()
	}
}
