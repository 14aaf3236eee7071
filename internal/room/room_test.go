package room

import (
	"testing"
	"time"

	"slateboard/api/internal/document"
)

func newTestRoom() *Room {
	return newRoom("b1", document.KindWhiteboard, nil, nil)
}

func TestPresenceStateMachine(t *testing.T) {
	rm := newTestRoom()
	rm.AddCollaborator(Collaborator{UserID: "u1", ConnID: "c1"})

	c, ok := rm.Collaborator("c1")
	if !ok || c.State != StateActive {
		t.Fatalf("new collaborator state = %q, want active", c.State)
	}

	if !rm.SetPresence("c1", StateIdle) {
		t.Fatal("SetPresence failed for live connection")
	}
	c, _ = rm.Collaborator("c1")
	if c.State != StateIdle {
		t.Fatalf("state = %q, want idle", c.State)
	}

	// Idle time does not accrue active duration.
	accrued := c.ActiveFor(time.Now().Add(time.Hour))
	if accrued > time.Second {
		t.Fatalf("idle collaborator accrued %v of active time", accrued)
	}

	rm.SetPresence("c1", StateAway)
	rm.SetPresence("c1", StateActive)
	c, _ = rm.Collaborator("c1")
	later := time.Now().Add(10 * time.Minute)
	if c.ActiveFor(later) < 9*time.Minute {
		t.Fatalf("active collaborator accrued only %v", c.ActiveFor(later))
	}

	if rm.SetPresence("ghost", StateIdle) {
		t.Fatal("SetPresence succeeded for unknown connection")
	}
}

func TestPendingDeleteCancellation(t *testing.T) {
	rm := newTestRoom()
	rm.QueueDelete([]string{"att1", "att2"})

	if !rm.CancelPendingDelete("att1") {
		t.Fatal("cancel of queued id reported not queued")
	}
	if rm.CancelPendingDelete("att1") {
		t.Fatal("second cancel reported still queued")
	}

	remaining := rm.TakePendingDeletes()
	if len(remaining) != 1 || remaining[0] != "att2" {
		t.Fatalf("pending deletes = %v, want [att2]", remaining)
	}
	if n := len(rm.TakePendingDeletes()); n != 0 {
		t.Fatalf("queue not drained, %d left", n)
	}
}

func TestReferencesAndMarkSaved(t *testing.T) {
	rm := newTestRoom()
	rm.ApplyRemote([]document.Element{
		{ID: "e1", Version: 1, FileID: "att1"},
		{ID: "e2", Version: 1, FileID: "att2", Deleted: true},
	}, nil)

	if !rm.References("att1") {
		t.Fatal("live element reference not reported")
	}
	if rm.References("att2") {
		t.Fatal("deleted element kept its attachment referenced")
	}

	rm.MarkSaved("att1")
	for _, el := range rm.Snapshot() {
		if el.FileID == "att1" && !el.Saved {
			t.Fatalf("element %s not marked saved", el.ID)
		}
	}
}

func TestAddInFlightTracking(t *testing.T) {
	rm := newTestRoom()
	rm.BeginAdd("att1")
	if !rm.AddInFlight("att1") {
		t.Fatal("in-flight add not tracked")
	}
	rm.EndAdd("att1")
	if rm.AddInFlight("att1") {
		t.Fatal("finished add still tracked")
	}
}
