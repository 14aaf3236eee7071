package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/attach"
	"slateboard/api/internal/room"
)

// Tracker registers collaborators in rooms, keeps rosters broadcast, and
// runs the teardown sequence when a room empties: final flush, pending
// attachment deletes, attachment GC, eviction, straggler disconnect.
type Tracker struct {
	registry    *room.Registry
	scheduler   *room.Scheduler
	attachments *attach.Service
	notifier    Notifier
	log         zerolog.Logger

	// RosterDelay is how long after a join the roster is re-broadcast,
	// covering subscribers that attach to the channel late. KickGrace is
	// the window between the kick signal and the forced close.
	RosterDelay time.Duration
	KickGrace   time.Duration
}

func NewTracker(registry *room.Registry, scheduler *room.Scheduler, attachments *attach.Service, notifier Notifier, log zerolog.Logger) *Tracker {
	return &Tracker{
		registry:    registry,
		scheduler:   scheduler,
		attachments: attachments,
		notifier:    notifier,
		log:         log,
		RosterDelay: 2 * time.Second,
		KickGrace:   3 * time.Second,
	}
}

// Join adds the collaborator and broadcasts the roster twice: immediately,
// and once more after RosterDelay for late channel subscribers.
func (t *Tracker) Join(rm *room.Room, collaborator room.Collaborator) {
	rm.AddCollaborator(collaborator)
	t.broadcastRoster(rm)
	boardID := rm.BoardID
	time.AfterFunc(t.RosterDelay, func() {
		if current := t.registry.Get(boardID); current != nil {
			t.broadcastRoster(current)
		}
	})
}

// Leave detaches a connection. When the room still has collaborators the
// roster is re-broadcast; when it empties the teardown sequence runs.
func (t *Tracker) Leave(ctx context.Context, boardID, connID string) {
	rm := t.registry.Get(boardID)
	if rm == nil {
		return
	}
	if _, ok := rm.Collaborator(connID); !ok {
		return
	}
	if remaining := rm.RemoveCollaborator(connID); remaining > 0 {
		t.broadcastRoster(rm)
		return
	}
	t.teardown(ctx, rm)
}

func (t *Tracker) teardown(ctx context.Context, rm *room.Room) {
	boardID := rm.BoardID

	if err := t.scheduler.Flush(ctx, boardID); err != nil {
		// The room stays resident so the periodic sweep retries the
		// write; evicting now would drop the unsaved document.
		t.log.Error().Str("board", boardID).Err(err).Msg("final flush failed, room kept for retry")
		return
	}

	t.attachments.SweepPendingDeletes(ctx, rm)
	if err := t.attachments.CollectGarbage(ctx, rm); err != nil {
		t.log.Error().Str("board", boardID).Err(err).Msg("attachment gc failed")
	}

	if !t.registry.Evict(boardID) {
		// A session rejoined mid-teardown; it owns the room now.
		return
	}
	// Defensive: sever anything still joined to the broadcast channel.
	t.notifier.CloseBoard(boardID)
	t.log.Debug().Str("board", boardID).Msg("room evicted")
}

// SetState drives a collaborator's presence state machine.
func (t *Tracker) SetState(boardID, connID string, state room.PresenceState) bool {
	rm := t.registry.Get(boardID)
	if rm == nil {
		return false
	}
	return rm.SetPresence(connID, state)
}

// Kick signals the target collaborator, then force-closes its connection
// after the grace period. Returns the kicked connection id so the caller
// can revoke its session immediately; the grace period only delays the
// channel close, never the loss of authority.
func (t *Tracker) Kick(boardID, userID string) (string, bool) {
	rm := t.registry.Get(boardID)
	if rm == nil {
		return "", false
	}
	target, ok := rm.FindByUser(userID)
	if !ok {
		return "", false
	}

	t.notifier.Broadcast(boardID, Event{Type: EventKick, BoardID: boardID, KickedUser: userID})
	time.AfterFunc(t.KickGrace, func() {
		t.notifier.CloseConn(boardID, target.ConnID)
		t.Leave(context.Background(), boardID, target.ConnID)
	})
	return target.ConnID, true
}

// NotifyAttachments broadcasts a batch's success/failure counts.
func (t *Tracker) NotifyAttachments(boardID string, result attach.AddResult) {
	t.notifier.Broadcast(boardID, Event{Type: EventAttachments, BoardID: boardID, Attachments: &result})
}

func (t *Tracker) broadcastRoster(rm *room.Room) {
	t.notifier.Broadcast(rm.BoardID, Event{
		Type:    EventRoster,
		BoardID: rm.BoardID,
		Roster:  rm.Collaborators(),
	})
}
