// Package blob provides the durable object store: board snapshots under
// boards/{boardId}, attachments under {boardId}/{attachmentId}.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("object not found")

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
}

func BoardKey(boardID string) string {
	return "boards/" + boardID
}

func AttachmentKey(boardID, attachmentID string) string {
	return boardID + "/" + attachmentID
}

func AttachmentPrefix(boardID string) string {
	return boardID + "/"
}
