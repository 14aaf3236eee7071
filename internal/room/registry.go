package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"slateboard/api/internal/blob"
	"slateboard/api/internal/document"
)

// Loader fetches a board's kind and last durable snapshot. A nil snapshot
// means the board has never been flushed.
type Loader interface {
	LoadBoard(ctx context.Context, boardID string) (kind string, snapshot []byte, err error)
}

// Registry owns every live Room. It is the single shared mutable structure
// of the engine; all Room creation and eviction goes through it.
type Registry struct {
	loader Loader
	codecs map[string]document.Codec
	log    zerolog.Logger

	mu     sync.RWMutex
	rooms  map[string]*Room
	flight singleflight.Group

	// onFatal is invoked when hydration finds a corrupt snapshot, so the
	// transport can force-disconnect sessions already admitted to the board.
	onFatal func(boardID string)
}

func NewRegistry(loader Loader, codecs []document.Codec, log zerolog.Logger) *Registry {
	byKind := make(map[string]document.Codec, len(codecs))
	for _, codec := range codecs {
		byKind[codec.Kind()] = codec
	}
	return &Registry{
		loader:  loader,
		codecs:  byKind,
		log:     log,
		rooms:   make(map[string]*Room),
		onFatal: func(string) {},
	}
}

// OnFatal registers the hook called when a board's snapshot turns out to
// be corrupt. Must be set before the registry serves traffic.
func (r *Registry) OnFatal(hook func(boardID string)) {
	r.onFatal = hook
}

// Get returns the cached room or nil. Never performs I/O.
func (r *Registry) Get(boardID string) *Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[boardID]
}

// GetOrCreate returns the board's live room, hydrating it from durable
// storage on first use. Concurrent callers for the same board share one
// hydration: at most one durable read is in flight per board id.
//
// A corrupt snapshot is fatal for the board: any partial state is evicted,
// sessions already joined are force-disconnected through the OnFatal hook,
// and the error is returned. It is never silently treated as an empty
// document.
func (r *Registry) GetOrCreate(ctx context.Context, boardID string) (*Room, error) {
	if existing := r.Get(boardID); existing != nil {
		return existing, nil
	}

	result, err, _ := r.flight.Do(boardID, func() (any, error) {
		if existing := r.Get(boardID); existing != nil {
			return existing, nil
		}
		return r.hydrate(ctx, boardID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Room), nil
}

func (r *Registry) hydrate(ctx context.Context, boardID string) (*Room, error) {
	kind, snapshot, err := r.loader.LoadBoard(ctx, boardID)
	if err != nil {
		return nil, fmt.Errorf("load board %s: %w", boardID, err)
	}
	codec, ok := r.codecs[kind]
	if !ok {
		return nil, fmt.Errorf("board %s: no codec for kind %q", boardID, kind)
	}

	var elements []document.Element
	if snapshot != nil {
		elements, err = codec.Decode(snapshot)
		if err != nil {
			if errors.Is(err, document.ErrCorrupt) {
				r.log.Error().Str("board", boardID).Err(err).Msg("corrupt snapshot, evicting room")
				r.remove(boardID)
				r.onFatal(boardID)
			}
			return nil, fmt.Errorf("decode board %s: %w", boardID, err)
		}
	}

	room := newRoom(boardID, kind, elements, codec)
	r.mu.Lock()
	r.rooms[boardID] = room
	r.mu.Unlock()
	r.log.Debug().Str("board", boardID).Str("kind", kind).Int("elements", len(elements)).Msg("room hydrated")
	return room, nil
}

// Evict removes the board's room, but only when its collaborator set is
// empty. Callers run the flush and attachment GC first; see the presence
// tracker's teardown sequence.
func (r *Registry) Evict(boardID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[boardID]
	if !ok {
		return false
	}
	room.mu.Lock()
	empty := len(room.collaborators) == 0
	room.mu.Unlock()
	if !empty {
		return false
	}
	delete(r.rooms, boardID)
	return true
}

func (r *Registry) remove(boardID string) {
	r.mu.Lock()
	delete(r.rooms, boardID)
	r.mu.Unlock()
}

// Rooms returns a snapshot of all live rooms.
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SnapshotLoader loads boards from the relational store plus the blob
// store: the standard production Loader.
type SnapshotLoader struct {
	Boards BoardKinds
	Blobs  blob.Store
}

// BoardKinds resolves a board id to its document kind.
type BoardKinds interface {
	BoardKind(ctx context.Context, boardID string) (string, error)
}

func (l *SnapshotLoader) LoadBoard(ctx context.Context, boardID string) (string, []byte, error) {
	kind, err := l.Boards.BoardKind(ctx, boardID)
	if err != nil {
		return "", nil, err
	}
	snapshot, err := l.Blobs.Get(ctx, blob.BoardKey(boardID))
	if errors.Is(err, blob.ErrNotFound) {
		return kind, nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	return kind, snapshot, nil
}
