// Package attach manages attachment lifecycle: batched uploads, deferred
// deletion, and the garbage-collection pass at room teardown. Attachments
// live in the object store independently of the document body; elements
// reference them by id only.
package attach

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"slateboard/api/internal/blob"
	"slateboard/api/internal/room"
)

// Item is one attachment the client claims to have added.
type Item struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// AddResult reports per-batch counts, broadcast back to the room.
type AddResult struct {
	Success int `json:"success"`
	Failed  int `json:"failed"`
}

type Service struct {
	blobs blob.Store
	log   zerolog.Logger
}

func NewService(blobs blob.Store, log zerolog.Logger) *Service {
	return &Service{blobs: blobs, log: log}
}

// Add stores a batch of attachments. Ids queued for deletion are rescued
// first: a delete/re-add race always resolves in favor of keeping the
// attachment. Attachments already durably present are not re-uploaded.
func (s *Service) Add(ctx context.Context, rm *room.Room, items []Item) AddResult {
	var result AddResult
	for _, item := range items {
		if item.ID == "" {
			result.Failed++
			continue
		}
		if rm.CancelPendingDelete(item.ID) {
			s.log.Debug().Str("board", rm.BoardID).Str("attachment", item.ID).Msg("pending delete cancelled by re-add")
		}

		rm.BeginAdd(item.ID)
		if err := s.storeIfAbsent(ctx, rm.BoardID, item); err != nil {
			rm.EndAdd(item.ID)
			s.log.Error().Str("board", rm.BoardID).Str("attachment", item.ID).Err(err).Msg("attachment store failed")
			result.Failed++
			continue
		}
		rm.MarkSaved(item.ID)
		rm.EndAdd(item.ID)
		result.Success++
	}
	return result
}

func (s *Service) storeIfAbsent(ctx context.Context, boardID string, item Item) error {
	key := blob.AttachmentKey(boardID, item.ID)
	exists, err := s.blobs.Exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.blobs.Put(ctx, key, item.Data, item.MimeType)
}

// QueueRemove enqueues attachment ids for deletion at room teardown.
func (s *Service) QueueRemove(rm *room.Room, ids []string) {
	rm.QueueDelete(ids)
}

// SweepPendingDeletes removes attachments queued for deletion. Ids that
// were re-referenced or have an add in flight are spared. Runs as part of
// room teardown, after the final flush.
func (s *Service) SweepPendingDeletes(ctx context.Context, rm *room.Room) {
	for _, id := range rm.TakePendingDeletes() {
		if rm.References(id) || rm.AddInFlight(id) {
			continue
		}
		if err := s.blobs.Delete(ctx, blob.AttachmentKey(rm.BoardID, id)); err != nil {
			s.log.Error().Str("board", rm.BoardID).Str("attachment", id).Err(err).Msg("pending delete failed")
		}
	}
}

// CollectGarbage deletes stored attachments no element references. Ids
// with an in-flight add are never swept, covering the race where an
// upload lands before its element is merged.
func (s *Service) CollectGarbage(ctx context.Context, rm *room.Room) error {
	prefix := blob.AttachmentPrefix(rm.BoardID)
	keys, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		if rm.References(id) || rm.AddInFlight(id) {
			continue
		}
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Error().Str("board", rm.BoardID).Str("attachment", id).Err(err).Msg("attachment gc delete failed")
		}
	}
	return nil
}
