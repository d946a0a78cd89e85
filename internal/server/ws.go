package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/idanyas/geofix/internal/location"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// Allow same-origin (no Origin header)
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil || u.Host != r.Host {
			slog.Warn("websocket origin rejected", "origin", origin)
			return false
		}
		return true
	},
}

type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSManager pushes location snapshots to connected map clients. Notify only
// records the newest snapshot; a single loop started by Start does the
// writes, so slow clients never hold up the orchestrator.
type WSManager struct {
	current func() location.Snapshot

	mu      sync.Mutex
	clients map[*websocket.Conn]string

	pendingMu sync.Mutex
	pending   *location.Snapshot
	wake      chan struct{}
}

func NewWSManager(current func() location.Snapshot) *WSManager {
	return &WSManager{
		current: current,
		clients: make(map[*websocket.Conn]string),
		wake:    make(chan struct{}, 1),
	}
}

func (m *WSManager) Start(ctx context.Context) {
	go m.processAndBroadcast(ctx)
}

// Notify queues snap for broadcast, replacing any snapshot not yet sent.
func (m *WSManager) Notify(snap location.Snapshot) {
	m.pendingMu.Lock()
	m.pending = &snap
	m.pendingMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *WSManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	id := uuid.NewString()

	// The first message is the current state. Holding mu keeps broadcasts
	// from slipping in between it and the registration.
	m.mu.Lock()
	if err := m.write(conn, locationMessage(m.current())); err != nil {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.clients[conn] = id
	m.mu.Unlock()
	slog.Debug("websocket connected", "client", id)

	// Clean up on disconnect
	go func() {
		defer conn.Close()
		defer func() {
			m.mu.Lock()
			delete(m.clients, conn)
			m.mu.Unlock()
			slog.Debug("websocket disconnected", "client", id)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (m *WSManager) processAndBroadcast(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return
		case <-m.wake:
			m.pendingMu.Lock()
			snap := m.pending
			m.pending = nil
			m.pendingMu.Unlock()
			if snap != nil {
				m.broadcastMessage(locationMessage(*snap))
			}
		}
	}
}

func locationMessage(snap location.Snapshot) WSMessage {
	return WSMessage{Type: "location", Payload: NewLocationView(snap)}
}

func (m *WSManager) write(conn *websocket.Conn, msg WSMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (m *WSManager) broadcastMessage(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("websocket marshal failed", "error", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(m.clients, conn)
		}
	}
}

func (m *WSManager) closeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for conn := range m.clients {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
		delete(m.clients, conn)
	}
}
