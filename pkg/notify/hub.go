// Package notify pushes call status changes to dashboard websocket clients.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/ringdesk/pkg/store"
)

const EventCallStatus = "call_status"

const (
	sendQueueSize = 32
	writeTimeout  = 5 * time.Second
	pongTimeout   = 60 * time.Second
	pingInterval  = 25 * time.Second
)

type Event struct {
	Type         string           `json:"type"`
	CallID       string           `json:"call_id"`
	Status       store.CallStatus `json:"status"`
	DurationSecs int              `json:"duration_secs,omitempty"`
	At           time.Time        `json:"at"`
}

// Hub fans events out to the sessions of each business.
type Hub struct {
	upgrader       websocket.Upgrader
	allowedOrigins []string
	log            *slog.Logger

	mu       sync.Mutex
	sessions map[string]map[*session]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func NewHub(allowedOrigins []string, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		allowedOrigins: allowedOrigins,
		log:            log,
		sessions:       make(map[string]map[*session]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// PublishCallStatus sends the call's current status to its business.
func (h *Hub) PublishCallStatus(call *store.Call) {
	if call == nil {
		return
	}
	h.Publish(call.BusinessID, Event{
		Type:         EventCallStatus,
		CallID:       call.ID,
		Status:       call.Status,
		DurationSecs: call.DurationSecs,
		At:           time.Now().UTC(),
	})
}

// Publish never blocks; a session whose queue is full misses the event.
func (h *Hub) Publish(businessID string, ev Event) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("notify_marshal_failed", "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions[businessID] {
		if !s.enqueue(msg) {
			h.log.Warn("notify_queue_full", "business_id", businessID)
		}
	}
}

// Sessions returns the number of connected sessions for a business.
func (h *Hub) Sessions(businessID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[businessID])
}

// Serve upgrades the request and streams the business's events until the
// client disconnects or the hub closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, businessID string) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s := &session{conn: conn, sendCh: make(chan []byte, sendQueueSize)}
	if !h.attach(businessID, s) {
		_ = conn.Close()
		return
	}
	h.log.Debug("notify_session_opened", "business_id", businessID)

	go func() {
		defer h.wg.Done()
		s.writeLoop()
	}()
	s.readLoop()
	h.detach(businessID, s)
	s.close()
	h.log.Debug("notify_session_closed", "business_id", businessID)
}

// Close disconnects every session and waits for their writers to stop.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*session
	for _, set := range h.sessions {
		for s := range set {
			all = append(all, s)
		}
	}
	h.sessions = make(map[string]map[*session]struct{})
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
	h.wg.Wait()
}

func (h *Hub) attach(businessID string, s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	set, ok := h.sessions[businessID]
	if !ok {
		set = make(map[*session]struct{})
		h.sessions[businessID] = set
	}
	set[s] = struct{}{}
	// Registered under mu so Close cannot start waiting before the writer is counted.
	h.wg.Add(1)
	return true
}

func (h *Hub) detach(businessID string, s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.sessions[businessID]
	delete(set, s)
	if len(set) == 0 {
		delete(h.sessions, businessID)
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := strings.TrimRight(strings.TrimSpace(r.Header.Get("Origin")), "/")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(strings.TrimSpace(allowed), "/"), origin) {
			return true
		}
	}
	return false
}

type session struct {
	conn   *websocket.Conn
	sendCh chan []byte
	mu     sync.Mutex
	closed atomic.Bool
}

func (s *session) enqueue(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.sendCh <- msg:
		return true
	default:
		return false
	}
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-s.sendCh:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				_ = s.conn.Close()
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = s.conn.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.conn.Close()
				return
			}
		}
	}
}

// readLoop discards client messages and returns once the connection drops.
func (s *session) readLoop() {
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.sendCh)
	}
}
