// Package presence tracks who is in each room, broadcasts roster changes,
// and drives room teardown when the last collaborator leaves.
package presence

import (
	"sync"

	"slateboard/api/internal/attach"
	"slateboard/api/internal/room"
)

const (
	EventRoster      = "roster"
	EventKick        = "kick"
	EventAttachments = "attachments"
)

// Event is one realtime notification delivered to a room's subscribers.
// Wire framing is the transport's concern; this is the payload contract.
type Event struct {
	Type        string              `json:"type"`
	BoardID     string              `json:"boardId"`
	Roster      []room.Collaborator `json:"roster,omitempty"`
	KickedUser  string              `json:"kickedUserId,omitempty"`
	Attachments *attach.AddResult   `json:"attachments,omitempty"`
}

// Notifier delivers events to a room's subscribers and can sever their
// connections. The transport layer supplies the production implementation;
// Hub below serves in-process use.
type Notifier interface {
	Broadcast(boardID string, event Event)
	CloseConn(boardID, connID string)
	CloseBoard(boardID string)
}

// Hub is an in-process Notifier: one buffered channel per subscribed
// connection. Delivery is best-effort per sender; a slow subscriber drops
// events rather than blocking the room.
type Hub struct {
	mu     sync.RWMutex
	boards map[string]map[string]chan Event
}

func NewHub() *Hub {
	return &Hub{boards: make(map[string]map[string]chan Event)}
}

// Subscribe attaches a connection to a board's broadcast channel.
func (h *Hub) Subscribe(boardID, connID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.boards[boardID]
	if !ok {
		conns = make(map[string]chan Event)
		h.boards[boardID] = conns
	}
	ch := make(chan Event, 16)
	conns[connID] = ch
	return ch
}

func (h *Hub) Broadcast(boardID string, event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.boards[boardID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *Hub) CloseConn(boardID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.boards[boardID]
	if !ok {
		return
	}
	if ch, ok := conns[connID]; ok {
		close(ch)
		delete(conns, connID)
	}
	if len(conns) == 0 {
		delete(h.boards, boardID)
	}
}

func (h *Hub) CloseBoard(boardID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.boards[boardID] {
		close(ch)
	}
	delete(h.boards, boardID)
}

// Subscribers reports how many connections are joined to the board's
// channel.
func (h *Hub) Subscribers(boardID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.boards[boardID])
}
