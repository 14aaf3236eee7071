// Package room holds the live state of actively-collaborated boards: the
// per-board Room, the registry that owns all Rooms, and the persistence
// scheduler that flushes them to durable storage.
package room

import (
	"sync"
	"time"

	"slateboard/api/internal/document"
)

type PresenceState string

const (
	StateActive PresenceState = "active"
	StateIdle   PresenceState = "idle"
	StateAway   PresenceState = "away"
)

// Collaborator is one realtime connection joined to a room. It exists only
// for the connection's lifetime and is never persisted.
type Collaborator struct {
	UserID  string        `json:"userId"`
	Name    string        `json:"name"`
	Avatar  string        `json:"avatar,omitempty"`
	ConnID  string        `json:"connId"`
	CanEdit bool          `json:"canEdit"`
	State   PresenceState `json:"state"`

	stateSince time.Time
	activeFor  time.Duration
}

// ActiveFor returns the total time the collaborator has spent in the
// active state.
func (c *Collaborator) ActiveFor(now time.Time) time.Duration {
	total := c.activeFor
	if c.State == StateActive {
		total += now.Sub(c.stateSince)
	}
	return total
}

// Room is the in-memory live state of one board. All mutation happens
// through its methods under the room lock; callers never touch fields
// directly. Exactly one Room exists per board id (the registry enforces
// single-flight creation).
type Room struct {
	BoardID string
	Kind    string

	mu            sync.Mutex
	elements      []document.Element
	collaborators map[string]*Collaborator
	pendingDelete map[string]struct{}
	addsInFlight  map[string]struct{}
	needsPersist  bool

	// flushMu serializes durable writes for this board so a stale write
	// can never land after a fresher one.
	flushMu sync.Mutex
	codec   document.Codec
}

func newRoom(boardID, kind string, elements []document.Element, codec document.Codec) *Room {
	document.Canonicalize(elements)
	return &Room{
		BoardID:       boardID,
		Kind:          kind,
		elements:      elements,
		collaborators: make(map[string]*Collaborator),
		pendingDelete: make(map[string]struct{}),
		addsInFlight:  make(map[string]struct{}),
		codec:         codec,
	}
}

// ApplyRemote reconciles an incoming element batch into the live document
// and returns a copy of the merged result.
func (r *Room) ApplyRemote(remote []document.Element, transientIDs []string) []document.Element {
	transient := make(map[string]struct{}, len(transientIDs))
	for _, id := range transientIDs {
		transient[id] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.elements = document.Merge(r.elements, remote, transient)
	r.needsPersist = true
	return copyElements(r.elements)
}

// Snapshot returns a copy of the live document.
func (r *Room) Snapshot() []document.Element {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyElements(r.elements)
}

func (r *Room) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return document.Version(r.elements)
}

// snapshotForFlush returns the document copy and version for a durable
// write, or ok=false when nothing changed since the last flush.
func (r *Room) snapshotForFlush() (elements []document.Element, version int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.needsPersist {
		return nil, 0, false
	}
	return copyElements(r.elements), document.Version(r.elements), true
}

// markPersisted clears the dirty flag if no edit landed since the snapshot
// at the given version was taken.
func (r *Room) markPersisted(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if document.Version(r.elements) == version {
		r.needsPersist = false
	}
}

func (r *Room) AddCollaborator(c Collaborator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c.State = StateActive
	c.stateSince = time.Now()
	r.collaborators[c.ConnID] = &c
}

// RemoveCollaborator detaches a connection and reports how many
// collaborators remain.
func (r *Room) RemoveCollaborator(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.collaborators, connID)
	return len(r.collaborators)
}

func (r *Room) Collaborator(connID string) (Collaborator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collaborators[connID]
	if !ok {
		return Collaborator{}, false
	}
	return *c, true
}

// FindByUser returns any connection of the given user.
func (r *Room) FindByUser(userID string) (Collaborator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.collaborators {
		if c.UserID == userID {
			return *c, true
		}
	}
	return Collaborator{}, false
}

func (r *Room) Collaborators() []Collaborator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Collaborator, 0, len(r.collaborators))
	for _, c := range r.collaborators {
		out = append(out, *c)
	}
	return out
}

func (r *Room) CollaboratorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collaborators)
}

// SetPresence drives the collaborator state machine. Time spent in the
// active state accrues into the collaborator's active duration.
func (r *Room) SetPresence(connID string, state PresenceState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.collaborators[connID]
	if !ok {
		return false
	}
	if c.State == state {
		return true
	}
	now := time.Now()
	if c.State == StateActive {
		c.activeFor += now.Sub(c.stateSince)
	}
	c.State = state
	c.stateSince = now
	return true
}

// QueueDelete enqueues attachment ids for removal at room teardown.
// Nothing is deleted immediately: an attachment mid-upload or re-added by
// a concurrent edit must survive.
func (r *Room) QueueDelete(attachmentIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range attachmentIDs {
		r.pendingDelete[id] = struct{}{}
	}
}

// CancelPendingDelete removes an id from the pending-delete queue,
// reporting whether it was queued. A delete/re-add race resolves in favor
// of keeping the attachment.
func (r *Room) CancelPendingDelete(attachmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, queued := r.pendingDelete[attachmentID]
	delete(r.pendingDelete, attachmentID)
	return queued
}

// TakePendingDeletes drains the pending-delete queue.
func (r *Room) TakePendingDeletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pendingDelete))
	for id := range r.pendingDelete {
		out = append(out, id)
	}
	r.pendingDelete = make(map[string]struct{})
	return out
}

// BeginAdd marks an attachment upload as in flight so the GC pass will not
// sweep it before the referencing element is saved.
func (r *Room) BeginAdd(attachmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addsInFlight[attachmentID] = struct{}{}
}

func (r *Room) EndAdd(attachmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.addsInFlight, attachmentID)
}

func (r *Room) AddInFlight(attachmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.addsInFlight[attachmentID]
	return ok
}

// References reports whether any live element references the attachment.
func (r *Room) References(attachmentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, el := range r.elements {
		if el.FileID == attachmentID && !el.Deleted {
			return true
		}
	}
	return false
}

// MarkSaved flags every element referencing the attachment as durably
// saved.
func (r *Room) MarkSaved(attachmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.elements {
		if r.elements[i].FileID == attachmentID {
			r.elements[i].Saved = true
		}
	}
}

func copyElements(elements []document.Element) []document.Element {
	out := make([]document.Element, len(elements))
	copy(out, elements)
	return out
}
