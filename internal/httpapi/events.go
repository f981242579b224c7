package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hamed0406/lanwatch/internal/domain"
)

const (
	eventsBuffer       = 16
	eventsWriteTimeout = 5 * time.Second
	eventsPingInterval = 30 * time.Second
)

var eventsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(strings.TrimSpace(u.Host), strings.TrimSpace(r.Host))
	},
}

// Hub fans status transitions out to websocket clients. Publish never
// blocks: a client whose buffer is full misses the event.
type Hub struct {
	log     *zap.Logger
	mu      sync.RWMutex
	clients map[chan domain.Transition]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{log: log, clients: make(map[chan domain.Transition]struct{})}
}

func (h *Hub) Subscribe() chan domain.Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := make(chan domain.Transition, eventsBuffer)
	h.clients[c] = struct{}{}
	return c
}

func (h *Hub) Unsubscribe(c chan domain.Transition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c)
	}
}

// Publish is a scheduler listener.
func (h *Hub) Publish(tr domain.Transition) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c <- tr:
		default:
			h.log.Debug("event_dropped_slow_client", zap.String("target_id", string(tr.TargetID)))
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := s.Hub.Subscribe()
	defer s.Hub.Unsubscribe(events)

	// reader: detects the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingInterval)
	defer ping.Stop()

	for {
		select {
		case tr, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteTimeout))
			if err := conn.WriteJSON(tr); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
