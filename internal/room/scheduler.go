package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"slateboard/api/internal/blob"
)

const snapshotContentType = "application/octet-stream"

// VersionStore reads and records the durably-persisted document version
// per board.
type VersionStore interface {
	BoardVersion(ctx context.Context, boardID string) (int64, error)
	UpdateBoardVersion(ctx context.Context, boardID string, version int64) error
}

// Scheduler flushes changed rooms to durable storage: a fixed periodic
// sweep over all live rooms, plus immediate per-board flushes when a
// room's collaborator set empties. Writes for one board never overlap;
// boards never block each other.
type Scheduler struct {
	registry *Registry
	versions VersionStore
	blobs    blob.Store
	interval time.Duration
	log      zerolog.Logger
}

func NewScheduler(registry *Registry, versions VersionStore, blobs blob.Store, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		versions: versions,
		blobs:    blobs,
		interval: interval,
		log:      log,
	}
}

// Run sweeps on a fixed ticker until the context is canceled. A final
// sweep runs on shutdown so in-flight edits reach durable storage.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.Sweep(flushCtx)
			cancel()
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep flushes every live room. Each board is an independent unit of
// work: one board's write failure is logged and left for the next tick,
// never aborting or delaying the others.
func (s *Scheduler) Sweep(ctx context.Context) {
	rooms := s.registry.Rooms()
	var wg sync.WaitGroup
	for _, rm := range rooms {
		wg.Add(1)
		go func(rm *Room) {
			defer wg.Done()
			if err := s.Flush(ctx, rm.BoardID); err != nil {
				s.log.Error().Str("board", rm.BoardID).Err(err).Msg("sweep flush failed")
			}
		}(rm)
	}
	wg.Wait()
}

// Flush writes one board's live document to durable storage if it changed
// since the last write. Flushing an up-to-date board is a no-op: the live
// document version is compared against the version recorded in board
// metadata and equal versions skip the write entirely.
func (s *Scheduler) Flush(ctx context.Context, boardID string) error {
	rm := s.registry.Get(boardID)
	if rm == nil {
		return nil
	}

	// One durable write per board at a time. A second flush blocks here
	// until the first completes, so a stale snapshot can never land after
	// a fresher one.
	rm.flushMu.Lock()
	defer rm.flushMu.Unlock()

	elements, version, dirty := rm.snapshotForFlush()
	if !dirty {
		return nil
	}

	stored, err := s.versions.BoardVersion(ctx, boardID)
	if err != nil {
		return fmt.Errorf("read stored version: %w", err)
	}
	if stored == version {
		rm.markPersisted(version)
		return nil
	}

	data, err := rm.codec.Encode(elements)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.blobs.Put(ctx, blob.BoardKey(boardID), data, snapshotContentType); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := s.versions.UpdateBoardVersion(ctx, boardID, version); err != nil {
		return fmt.Errorf("record version: %w", err)
	}

	rm.markPersisted(version)
	s.log.Debug().Str("board", boardID).Int64("version", version).Msg("board flushed")
	return nil
}
