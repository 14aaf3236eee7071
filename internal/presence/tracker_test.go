package presence

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/attach"
	"slateboard/api/internal/blob"
	"slateboard/api/internal/document"
	"slateboard/api/internal/room"
)

type recordingNotifier struct {
	mu           sync.Mutex
	events       []Event
	closedConns  []string
	closedBoards []string
}

func (n *recordingNotifier) Broadcast(_ string, event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) CloseConn(_, connID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closedConns = append(n.closedConns, connID)
}

func (n *recordingNotifier) CloseBoard(boardID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closedBoards = append(n.closedBoards, boardID)
}

func (n *recordingNotifier) eventsOfType(eventType string) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Event
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type staticLoader struct{}

func (staticLoader) LoadBoard(context.Context, string) (string, []byte, error) {
	return document.KindWhiteboard, nil, nil
}

type memoryVersions struct {
	mu     sync.Mutex
	stored map[string]int64
}

func (m *memoryVersions) BoardVersion(_ context.Context, boardID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stored[boardID], nil
}

func (m *memoryVersions) UpdateBoardVersion(_ context.Context, boardID string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored[boardID] = version
	return nil
}

func fixture(t *testing.T) (*Tracker, *room.Registry, *recordingNotifier, *blob.MemoryStore, *memoryVersions) {
	t.Helper()
	codec, err := document.NewWhiteboardCodec(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	registry := room.NewRegistry(staticLoader{}, []document.Codec{codec}, zerolog.Nop())
	blobs := blob.NewMemoryStore()
	versions := &memoryVersions{stored: make(map[string]int64)}
	scheduler := room.NewScheduler(registry, versions, blobs, time.Hour, zerolog.Nop())
	attachments := attach.NewService(blobs, zerolog.Nop())
	notifier := &recordingNotifier{}

	tracker := NewTracker(registry, scheduler, attachments, notifier, zerolog.Nop())
	tracker.RosterDelay = 10 * time.Millisecond
	tracker.KickGrace = 10 * time.Millisecond
	return tracker, registry, notifier, blobs, versions
}

func TestJoinBroadcastsRosterTwice(t *testing.T) {
	tracker, registry, notifier, _, _ := fixture(t)
	rm, err := registry.GetOrCreate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	tracker.Join(rm, room.Collaborator{UserID: "u1", Name: "Avery", ConnID: "c1", CanEdit: true})

	rosters := notifier.eventsOfType(EventRoster)
	if len(rosters) != 1 {
		t.Fatalf("immediate roster broadcasts = %d, want 1", len(rosters))
	}
	if len(rosters[0].Roster) != 1 || rosters[0].Roster[0].UserID != "u1" {
		t.Fatalf("roster payload = %+v", rosters[0].Roster)
	}

	deadline := time.Now().Add(time.Second)
	for len(notifier.eventsOfType(EventRoster)) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("delayed roster re-broadcast never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLeaveWithRemainingBroadcastsRoster(t *testing.T) {
	tracker, registry, notifier, _, _ := fixture(t)
	rm, _ := registry.GetOrCreate(context.Background(), "b1")
	tracker.Join(rm, room.Collaborator{UserID: "u1", ConnID: "c1"})
	tracker.Join(rm, room.Collaborator{UserID: "u2", ConnID: "c2"})

	before := len(notifier.eventsOfType(EventRoster))
	tracker.Leave(context.Background(), "b1", "c1")

	if registry.Get("b1") == nil {
		t.Fatal("room evicted while a collaborator remains")
	}
	rosters := notifier.eventsOfType(EventRoster)
	if len(rosters) != before+1 {
		t.Fatalf("roster broadcasts = %d, want %d", len(rosters), before+1)
	}
	last := rosters[len(rosters)-1]
	if len(last.Roster) != 1 || last.Roster[0].UserID != "u2" {
		t.Fatalf("roster after leave = %+v", last.Roster)
	}
}

// Last collaborator leaving runs the full teardown: flush, attachment GC,
// eviction, straggler disconnect.
func TestLastLeaveTearsDownRoom(t *testing.T) {
	tracker, registry, notifier, blobs, versions := fixture(t)
	rm, _ := registry.GetOrCreate(context.Background(), "b1")
	tracker.Join(rm, room.Collaborator{UserID: "u1", ConnID: "c1"})

	rm.ApplyRemote([]document.Element{
		{ID: "e1", Version: 7, VersionNonce: 1},
	}, nil)
	// Orphan attachment for the GC pass to sweep.
	_ = blobs.Put(context.Background(), blob.AttachmentKey("b1", "orphan"), []byte("x"), "image/png")

	tracker.Leave(context.Background(), "b1", "c1")

	if versions.stored["b1"] != 7 {
		t.Fatalf("final flush stored version %d, want 7", versions.stored["b1"])
	}
	if _, err := blobs.Get(context.Background(), blob.BoardKey("b1")); err != nil {
		t.Fatalf("snapshot missing after teardown: %v", err)
	}
	if ok, _ := blobs.Exists(context.Background(), blob.AttachmentKey("b1", "orphan")); ok {
		t.Fatal("orphan attachment survived the gc pass")
	}
	if registry.Get("b1") != nil {
		t.Fatal("room not evicted")
	}
	notifier.mu.Lock()
	closedBoards := len(notifier.closedBoards)
	notifier.mu.Unlock()
	if closedBoards != 1 {
		t.Fatalf("straggler disconnect broadcasts = %d, want 1", closedBoards)
	}
}

func TestLeaveUnknownConnIsNoOp(t *testing.T) {
	tracker, registry, _, _, _ := fixture(t)
	rm, _ := registry.GetOrCreate(context.Background(), "b1")
	tracker.Join(rm, room.Collaborator{UserID: "u1", ConnID: "c1"})

	tracker.Leave(context.Background(), "b1", "ghost")
	if registry.Get("b1") == nil {
		t.Fatal("unknown connection leave tore down a live room")
	}
}

func TestKickSignalsThenCloses(t *testing.T) {
	tracker, registry, notifier, _, _ := fixture(t)
	rm, _ := registry.GetOrCreate(context.Background(), "b1")
	tracker.Join(rm, room.Collaborator{UserID: "u1", ConnID: "c1"})
	tracker.Join(rm, room.Collaborator{UserID: "u2", ConnID: "c2"})

	connID, ok := tracker.Kick("b1", "u2")
	if !ok {
		t.Fatal("kick of present user failed")
	}
	if connID != "c2" {
		t.Fatalf("kicked conn = %s, want c2", connID)
	}
	if _, ok := tracker.Kick("b1", "nobody"); ok {
		t.Fatal("kick of absent user succeeded")
	}

	kicks := notifier.eventsOfType(EventKick)
	if len(kicks) != 1 || kicks[0].KickedUser != "u2" {
		t.Fatalf("kick events = %+v", kicks)
	}

	deadline := time.Now().Add(time.Second)
	for {
		if _, still := rm.Collaborator("c2"); !still {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("kicked collaborator never removed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	notifier.mu.Lock()
	closed := append([]string(nil), notifier.closedConns...)
	notifier.mu.Unlock()
	if len(closed) != 1 || closed[0] != "c2" {
		t.Fatalf("closed connections = %v, want [c2]", closed)
	}
}

func TestHubBroadcastAndClose(t *testing.T) {
	hub := NewHub()
	ch := hub.Subscribe("b1", "c1")

	hub.Broadcast("b1", Event{Type: EventRoster, BoardID: "b1"})
	select {
	case event := <-ch:
		if event.Type != EventRoster {
			t.Fatalf("event = %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber never received broadcast")
	}

	hub.CloseBoard("b1")
	if _, open := <-ch; open {
		t.Fatal("channel still open after CloseBoard")
	}
	if hub.Subscribers("b1") != 0 {
		t.Fatal("subscribers remain after CloseBoard")
	}
}
