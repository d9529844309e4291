package store

import (
	"context"
	"fmt"
)

// ConsistencyReport lists integrity violations found across the schema
// partitions and the sidecar indexes. An empty Issues slice means the store
// is consistent.
type ConsistencyReport struct {
	Issues          []string
	EmbeddingsTotal int
	ChunksTotal     int
	VectorsIndexed  int
}

// OK reports whether no issues were found.
func (r *ConsistencyReport) OK() bool {
	return len(r.Issues) == 0
}

// CheckConsistency verifies cross-schema referential integrity: every
// embedding points at a live source row, intelligence chunks reference
// documents that exist and are not soft-deleted, and (when a vector index is
// supplied) the index holds exactly the stored embedding ids. The check is
// read-only.
func (s *DB) CheckConsistency(ctx context.Context, vectors *HNSWIndex) (*ConsistencyReport, error) {
	report := &ConsistencyReport{}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intelligence.embeddings`).Scan(&report.EmbeddingsTotal); err != nil {
		return nil, mapDBError(err, "consistency: count embeddings")
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM intelligence.intelligence_chunks`).Scan(&report.ChunksTotal); err != nil {
		return nil, mapDBError(err, "consistency: count chunks")
	}

	// Embeddings whose source row is gone.
	dangling := []struct{ sourceType, table string }{
		{"text_chunk", "intelligence.intelligence_chunks"},
		{"image", "content.images"},
		{"table", "content.structured_tables"},
	}
	for _, d := range dangling {
		rows, err := s.db.QueryContext(ctx, `
			SELECT e.id, e.source_id FROM intelligence.embeddings e
			WHERE e.source_type = ?
			  AND NOT EXISTS (SELECT 1 FROM `+d.table+` t WHERE t.id = e.source_id)`,
			d.sourceType)
		if err != nil {
			return nil, mapDBError(err, "consistency: dangling embeddings")
		}
		for rows.Next() {
			var embID, srcID string
			if err := rows.Scan(&embID, &srcID); err != nil {
				_ = rows.Close()
				return nil, mapDBError(err, "consistency: dangling embeddings")
			}
			report.Issues = append(report.Issues, fmt.Sprintf(
				"embedding %s references missing %s %s", embID, d.sourceType, srcID))
		}
		if err := rows.Close(); err != nil {
			return nil, mapDBError(err, "consistency: dangling embeddings")
		}
	}

	// Chunks attached to missing or soft-deleted documents.
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.document_id FROM intelligence.intelligence_chunks c
		WHERE NOT EXISTS (
			SELECT 1 FROM core.documents d
			WHERE d.id = c.document_id AND d.deleted = 0)`)
	if err != nil {
		return nil, mapDBError(err, "consistency: orphaned chunks")
	}
	for rows.Next() {
		var chunkID, docID string
		if err := rows.Scan(&chunkID, &docID); err != nil {
			_ = rows.Close()
			return nil, mapDBError(err, "consistency: orphaned chunks")
		}
		report.Issues = append(report.Issues, fmt.Sprintf(
			"chunk %s belongs to missing or deleted document %s", chunkID, docID))
	}
	if err := rows.Close(); err != nil {
		return nil, mapDBError(err, "consistency: orphaned chunks")
	}

	// Completed documents with zero content. Flags extraction bugs that
	// still managed to mark the document done.
	rows, err = s.db.QueryContext(ctx, `
		SELECT d.id FROM core.documents d
		WHERE d.status = 'completed' AND d.deleted = 0
		  AND NOT EXISTS (
			SELECT 1 FROM content.content_chunks c WHERE c.document_id = d.id)`)
	if err != nil {
		return nil, mapDBError(err, "consistency: empty completed documents")
	}
	for rows.Next() {
		var docID string
		if err := rows.Scan(&docID); err != nil {
			_ = rows.Close()
			return nil, mapDBError(err, "consistency: empty completed documents")
		}
		report.Issues = append(report.Issues,
			"document "+docID+" is completed but has no content chunks")
	}
	if err := rows.Close(); err != nil {
		return nil, mapDBError(err, "consistency: empty completed documents")
	}

	if vectors != nil {
		report.VectorsIndexed = vectors.Len()
		stored := make(map[string]struct{})
		rows, err := s.db.QueryContext(ctx, `SELECT id FROM intelligence.embeddings`)
		if err != nil {
			return nil, mapDBError(err, "consistency: embedding ids")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return nil, mapDBError(err, "consistency: embedding ids")
			}
			stored[id] = struct{}{}
		}
		if err := rows.Close(); err != nil {
			return nil, mapDBError(err, "consistency: embedding ids")
		}

		for _, id := range vectors.AllIDs() {
			if _, ok := stored[id]; !ok {
				report.Issues = append(report.Issues,
					"vector index holds unknown embedding "+id)
			}
			delete(stored, id)
		}
		for id := range stored {
			report.Issues = append(report.Issues,
				"embedding "+id+" is missing from the vector index")
		}
	}

	return report, nil
}
