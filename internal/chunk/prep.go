package chunk

import (
	"strconv"

	"github.com/fixbase/docpipe/internal/store"
)

// Prepare builds intelligence chunks from a document's raw content chunks.
// Empty and image-only chunks carry nothing worth embedding and are skipped;
// chunks whose normalized text collides with an earlier chunk of the same
// document are dropped here so the batch insert stays conflict-free even
// before the store's unique index backstops it.
func Prepare(documentID string, raw []*store.ContentChunk) []*store.IntelligenceChunk {
	seen := make(map[string]struct{}, len(raw))
	out := make([]*store.IntelligenceChunk, 0, len(raw))

	for _, c := range raw {
		if c.ImageOnly || Normalize(c.Text) == "" {
			continue
		}
		fp := Fingerprint(c.Text)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}

		out = append(out, &store.IntelligenceChunk{
			DocumentID:    documentID,
			SourceChunkID: c.ID,
			Text:          c.Text,
			PageStart:     c.PageStart,
			PageEnd:       c.PageEnd,
			Fingerprint:   fp,
			Status:        store.ChunkPending,
			Metadata: map[string]string{
				"chunk_type":     c.ChunkType,
				"source_ordinal": strconv.Itoa(c.Ordinal),
				"language":       c.Language,
			},
		})
	}
	return out
}
