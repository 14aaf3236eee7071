package app

import (
	"sync"
	"time"

	"slateboard/api/internal/rbac"
)

// Session is one admitted realtime connection. Every session carries a
// hard expiry; a client that never closes cleanly is cut off when the
// timer fires, so abandoned connections cannot pin rooms forever.
type Session struct {
	ConnID    string
	UserID    string
	UserName  string
	BoardID   string
	Role      rbac.Role
	CanEdit   bool
	CanManage bool
	ExpiresAt time.Time
}

type sessionRegistry struct {
	mu       sync.Mutex
	byConn   map[string]*trackedSession
	onExpire func(boardID, connID string)
}

type trackedSession struct {
	Session
	timer *time.Timer
}

func newSessionRegistry(onExpire func(boardID, connID string)) *sessionRegistry {
	return &sessionRegistry{
		byConn:   make(map[string]*trackedSession),
		onExpire: onExpire,
	}
}

func (r *sessionRegistry) Register(session Session, ttl time.Duration) {
	session.ExpiresAt = time.Now().Add(ttl)
	tracked := &trackedSession{Session: session}
	tracked.timer = time.AfterFunc(ttl, func() {
		r.Remove(session.ConnID)
		r.onExpire(session.BoardID, session.ConnID)
	})

	r.mu.Lock()
	if prev, ok := r.byConn[session.ConnID]; ok {
		prev.timer.Stop()
	}
	r.byConn[session.ConnID] = tracked
	r.mu.Unlock()
}

func (r *sessionRegistry) Get(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tracked, ok := r.byConn[connID]
	if !ok {
		return Session{}, false
	}
	return tracked.Session, true
}

// Remove drops a session and cancels its expiry timer. Safe to call for
// unknown or already-removed connections.
func (r *sessionRegistry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tracked, ok := r.byConn[connID]; ok {
		tracked.timer.Stop()
		delete(r.byConn, connID)
	}
}

// RemoveBoard drops every session joined to the board and returns their
// connection ids. Used when a board becomes fatally unavailable.
func (r *sessionRegistry) RemoveBoard(boardID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var conns []string
	for connID, tracked := range r.byConn {
		if tracked.BoardID == boardID {
			tracked.timer.Stop()
			delete(r.byConn, connID)
			conns = append(conns, connID)
		}
	}
	return conns
}

func (r *sessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byConn)
}
