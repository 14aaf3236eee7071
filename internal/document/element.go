// Package document holds the live document model: elements, the merge rule
// that reconciles concurrent edits, and the snapshot codec.
package document

import "encoding/json"

const KindWhiteboard = "whiteboard"

// Element is one addressable unit of a document body (a shape, a stroke).
// Elements are kept in a flat id-keyed collection; an element references an
// attachment by FileID, never by pointer.
type Element struct {
	ID           string          `json:"id"`
	Version      int64           `json:"version"`
	VersionNonce int64           `json:"versionNonce"`
	Index        string          `json:"index,omitempty"`
	Deleted      bool            `json:"isDeleted,omitempty"`
	FileID       string          `json:"fileId,omitempty"`
	Saved        bool            `json:"saved,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// Version is the sum of all element versions. It is a cheap change
// detector used to skip redundant durable writes, not a vector clock; the
// tie-break rule in Merge keeps it deterministic across replicas.
func Version(elements []Element) int64 {
	var sum int64
	for _, el := range elements {
		sum += el.Version
	}
	return sum
}

// FileIDs returns the set of attachment ids referenced by live elements.
func FileIDs(elements []Element) map[string]struct{} {
	refs := make(map[string]struct{})
	for _, el := range elements {
		if el.FileID != "" && !el.Deleted {
			refs[el.FileID] = struct{}{}
		}
	}
	return refs
}
