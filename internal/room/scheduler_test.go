package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/blob"
	"slateboard/api/internal/document"
)

type fakeVersions struct {
	mu      sync.Mutex
	stored  map[string]int64
	writes  int
	failFor map[string]error
}

func newFakeVersions() *fakeVersions {
	return &fakeVersions{stored: make(map[string]int64), failFor: make(map[string]error)}
}

func (f *fakeVersions) BoardVersion(_ context.Context, boardID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[boardID]; err != nil {
		return 0, err
	}
	return f.stored[boardID], nil
}

func (f *fakeVersions) UpdateBoardVersion(_ context.Context, boardID string, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[boardID]; err != nil {
		return err
	}
	f.stored[boardID] = version
	f.writes++
	return nil
}

type countingBlob struct {
	blob.Store
	mu   sync.Mutex
	puts int
}

func (b *countingBlob) Put(ctx context.Context, key string, data []byte, contentType string) error {
	b.mu.Lock()
	b.puts++
	b.mu.Unlock()
	return b.Store.Put(ctx, key, data, contentType)
}

func (b *countingBlob) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func schedulerFixture(t *testing.T) (*Registry, *Scheduler, *fakeVersions, *countingBlob) {
	t.Helper()
	registry := testRegistry(t, &fakeLoader{})
	versions := newFakeVersions()
	blobs := &countingBlob{Store: blob.NewMemoryStore()}
	scheduler := NewScheduler(registry, versions, blobs, time.Hour, zerolog.Nop())
	return registry, scheduler, versions, blobs
}

// Last collaborator leaving with unsaved version 7 while metadata reads 5:
// the flush writes the snapshot and metadata reads 7 afterward.
func TestFlushWritesChangedBoard(t *testing.T) {
	registry, scheduler, versions, blobs := schedulerFixture(t)
	versions.stored["b1"] = 5

	room, err := registry.GetOrCreate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	room.ApplyRemote([]document.Element{
		{ID: "e1", Version: 3, VersionNonce: 1},
		{ID: "e2", Version: 4, VersionNonce: 2},
	}, nil)
	if room.Version() != 7 {
		t.Fatalf("live version = %d, want 7", room.Version())
	}

	if err := scheduler.Flush(context.Background(), "b1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if versions.stored["b1"] != 7 {
		t.Fatalf("stored version = %d, want 7", versions.stored["b1"])
	}
	if blobs.putCount() != 1 {
		t.Fatalf("durable writes = %d, want 1", blobs.putCount())
	}

	snapshot, err := blobs.Get(context.Background(), blob.BoardKey("b1"))
	if err != nil {
		t.Fatalf("snapshot missing after flush: %v", err)
	}
	decoded, err := room.codec.Decode(snapshot)
	if err != nil {
		t.Fatalf("snapshot undecodable: %v", err)
	}
	if document.Version(decoded) != 7 {
		t.Fatalf("snapshot version = %d, want 7", document.Version(decoded))
	}
}

func TestFlushIdempotent(t *testing.T) {
	registry, scheduler, versions, blobs := schedulerFixture(t)

	room, err := registry.GetOrCreate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	room.ApplyRemote([]document.Element{{ID: "e1", Version: 2}}, nil)

	for i := 0; i < 3; i++ {
		if err := scheduler.Flush(context.Background(), "b1"); err != nil {
			t.Fatalf("Flush %d failed: %v", i, err)
		}
	}
	if blobs.putCount() != 1 {
		t.Fatalf("flush with no intervening edit wrote %d times, want 1", blobs.putCount())
	}
	if versions.writes != 1 {
		t.Fatalf("version recorded %d times, want 1", versions.writes)
	}

	// An edit re-dirties the room and the next flush writes again.
	room.ApplyRemote([]document.Element{{ID: "e1", Version: 3}}, nil)
	if err := scheduler.Flush(context.Background(), "b1"); err != nil {
		t.Fatalf("Flush after edit failed: %v", err)
	}
	if blobs.putCount() != 2 {
		t.Fatalf("flush after edit wrote %d times total, want 2", blobs.putCount())
	}
}

func TestFlushSkipsWhenStoredVersionMatches(t *testing.T) {
	registry, scheduler, versions, blobs := schedulerFixture(t)
	versions.stored["b1"] = 2

	room, err := registry.GetOrCreate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	// The merged document sums to the stored version: write is skipped.
	room.ApplyRemote([]document.Element{{ID: "e1", Version: 2}}, nil)

	if err := scheduler.Flush(context.Background(), "b1"); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if blobs.putCount() != 0 {
		t.Fatalf("version-equal flush wrote %d times, want 0", blobs.putCount())
	}
}

func TestFlushMissingRoomIsNoOp(t *testing.T) {
	_, scheduler, _, blobs := schedulerFixture(t)
	if err := scheduler.Flush(context.Background(), "ghost"); err != nil {
		t.Fatalf("Flush of unknown board = %v, want nil", err)
	}
	if blobs.putCount() != 0 {
		t.Fatal("flush of unknown board performed a write")
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	registry, scheduler, versions, blobs := schedulerFixture(t)
	versions.failFor["b-bad"] = errors.New("metadata store down")

	for _, boardID := range []string{"b-bad", "b1", "b2"} {
		room, err := registry.GetOrCreate(context.Background(), boardID)
		if err != nil {
			t.Fatalf("GetOrCreate(%s) failed: %v", boardID, err)
		}
		room.ApplyRemote([]document.Element{{ID: "e", Version: 1, VersionNonce: 1}}, nil)
	}

	scheduler.Sweep(context.Background())

	if blobs.putCount() != 2 {
		t.Fatalf("healthy boards flushed = %d, want 2", blobs.putCount())
	}
	for _, boardID := range []string{"b1", "b2"} {
		if versions.stored[boardID] != 1 {
			t.Fatalf("board %s stored version = %d, want 1", boardID, versions.stored[boardID])
		}
	}

	// The failing board stays dirty and flushes once its store recovers.
	versions.mu.Lock()
	delete(versions.failFor, "b-bad")
	versions.mu.Unlock()
	scheduler.Sweep(context.Background())
	if versions.stored["b-bad"] != 1 {
		t.Fatal("failed board did not flush on the next sweep")
	}
}

func TestFlushSerializedPerBoard(t *testing.T) {
	registry, scheduler, _, blobs := schedulerFixture(t)

	room, err := registry.GetOrCreate(context.Background(), "b1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room.ApplyRemote([]document.Element{{ID: fmt.Sprintf("e%d", i), Version: 1}}, nil)
			if err := scheduler.Flush(context.Background(), "b1"); err != nil {
				t.Errorf("Flush failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	// Serialized writes: at least one happened, and after the last flush
	// the snapshot matches the live document exactly.
	if blobs.putCount() == 0 {
		t.Fatal("no durable write happened")
	}
	if err := scheduler.Flush(context.Background(), "b1"); err != nil {
		t.Fatalf("final Flush failed: %v", err)
	}
	snapshot, err := blobs.Get(context.Background(), blob.BoardKey("b1"))
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	decoded, err := room.codec.Decode(snapshot)
	if err != nil {
		t.Fatalf("snapshot undecodable: %v", err)
	}
	if document.Version(decoded) != room.Version() {
		t.Fatalf("durable version %d diverged from live %d", document.Version(decoded), room.Version())
	}
}
