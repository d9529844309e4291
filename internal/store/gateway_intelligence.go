package store

import (
	"context"
	"database/sql"
	"errors"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// SaveIntelligenceChunks inserts AI-ready chunks. Fingerprint collisions
// within the same document are dropped silently (within-document dedup);
// the return value is the number of rows actually inserted.
func (s *DB) SaveIntelligenceChunks(ctx context.Context, chunks []*IntelligenceChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO intelligence.intelligence_chunks
				(id, document_id, source_chunk_id, text, page_start, page_end,
				 fingerprint, status, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, fingerprint) DO NOTHING`)
		if err != nil {
			return mapDBError(err, "save intelligence chunks")
		}
		defer func() { _ = stmt.Close() }()

		for _, c := range chunks {
			if c.ID == "" {
				c.ID = newID()
			}
			if c.Status == "" {
				c.Status = ChunkPending
			}
			ts := now()
			if c.CreatedAt.IsZero() {
				c.CreatedAt = ts
			}
			c.UpdatedAt = ts
			res, err := stmt.ExecContext(ctx, c.ID, c.DocumentID,
				c.SourceChunkID, c.Text, c.PageStart, c.PageEnd,
				c.Fingerprint, string(c.Status), marshalJSON(c.Metadata),
				c.CreatedAt, c.UpdatedAt)
			if err != nil {
				return mapDBError(err, "save intelligence chunks")
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

const ichunkColumns = `id, document_id, source_chunk_id, text, page_start,
	page_end, fingerprint, status, metadata, created_at, updated_at`

func scanIChunk(row interface{ Scan(...any) error }) (*IntelligenceChunk, error) {
	var c IntelligenceChunk
	var status, metadata string
	err := row.Scan(&c.ID, &c.DocumentID, &c.SourceChunkID, &c.Text,
		&c.PageStart, &c.PageEnd, &c.Fingerprint, &status, &metadata,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Status = ChunkStatus(status)
	c.Metadata = unmarshalMap(metadata)
	return &c, nil
}

func (s *DB) queryIChunks(ctx context.Context, query string, args ...any) ([]*IntelligenceChunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapDBError(err, "get intelligence chunks")
	}
	defer func() { _ = rows.Close() }()

	var out []*IntelligenceChunk
	for rows.Next() {
		c, err := scanIChunk(rows)
		if err != nil {
			return nil, mapDBError(err, "get intelligence chunks")
		}
		out = append(out, c)
	}
	return out, mapDBError(rows.Err(), "get intelligence chunks")
}

// GetIntelligenceChunks returns all AI-ready chunks for a document.
func (s *DB) GetIntelligenceChunks(ctx context.Context, documentID string) ([]*IntelligenceChunk, error) {
	return s.queryIChunks(ctx,
		`SELECT `+ichunkColumns+` FROM intelligence.intelligence_chunks
		 WHERE document_id = ? ORDER BY page_start, id`, documentID)
}

// GetPendingIntelligenceChunks returns chunks awaiting embedding.
func (s *DB) GetPendingIntelligenceChunks(ctx context.Context, documentID string, limit int) ([]*IntelligenceChunk, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryIChunks(ctx,
		`SELECT `+ichunkColumns+` FROM intelligence.intelligence_chunks
		 WHERE document_id = ? AND status = 'pending'
		 ORDER BY page_start, id LIMIT ?`, documentID, limit)
}

// SetIntelligenceChunkStatus transitions a chunk's processing status.
func (s *DB) SetIntelligenceChunkStatus(ctx context.Context, id string, status ChunkStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE intelligence.intelligence_chunks
		SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id)
	return mapDBError(err, "set intelligence chunk status")
}

// DeleteIntelligenceChunk removes a chunk. Fails with a permanent error
// while embeddings still reference it; they must be deleted or re-targeted
// first.
func (s *DB) DeleteIntelligenceChunk(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM intelligence.embeddings
			WHERE source_type = 'text_chunk' AND source_id = ?`, id).Scan(&n)
		if err != nil {
			return mapDBError(err, "delete intelligence chunk")
		}
		if n > 0 {
			return pipeerr.Newf(pipeerr.ErrCodeDanglingReference, nil,
				"chunk %s still has %d embeddings", id, n)
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM intelligence.intelligence_chunks WHERE id = ?`, id)
		return mapDBError(err, "delete intelligence chunk")
	})
}

// CreateEmbeddings bulk-inserts embeddings atomically. The whole batch fails
// on a dimension mismatch or a dangling source reference. Conflicts on
// (source_type, source_id, model_name) are rejected as permanent errors,
// which makes re-embedding idempotent at the stage level via EmbeddingsExist.
func (s *DB) CreateEmbeddings(ctx context.Context, batch []*Embedding) error {
	if len(batch) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, e := range batch {
			if len(e.Vector) != e.Dimension {
				return pipeerr.Newf(pipeerr.ErrCodeDimensionMismatch, nil,
					"vector length %d does not match declared dimension %d for model %s",
					len(e.Vector), e.Dimension, e.ModelName)
			}
			exists, err := s.sourceExists(ctx, tx, e.SourceType, e.SourceID)
			if err != nil {
				return err
			}
			if !exists {
				return pipeerr.Newf(pipeerr.ErrCodeDanglingReference, nil,
					"embedding source %s/%s does not exist", e.SourceType, e.SourceID)
			}

			if e.ID == "" {
				e.ID = newID()
			}
			if e.CreatedAt.IsZero() {
				e.CreatedAt = now()
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO intelligence.embeddings
					(id, source_type, source_id, vector, model_name, dimension, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				e.ID, string(e.SourceType), e.SourceID, vectorToBlob(e.Vector),
				e.ModelName, e.Dimension, e.CreatedAt)
			if err != nil {
				return mapDBError(err, "create embeddings")
			}
		}
		return nil
	})
}

// sourceExists checks referential integrity for an embedding source.
func (s *DB) sourceExists(ctx context.Context, tx *sql.Tx, sourceType EmbeddingSource, sourceID string) (bool, error) {
	var table string
	switch sourceType {
	case SourceTextChunk:
		table = "intelligence.intelligence_chunks"
	case SourceImage:
		table = "content.images"
	case SourceTable:
		table = "content.structured_tables"
	default:
		return false, pipeerr.Newf(pipeerr.ErrCodeInvalidInput, nil,
			"unknown embedding source type %q", sourceType)
	}
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE id = ?`, sourceID).Scan(&n)
	if err != nil {
		return false, mapDBError(err, "check embedding source")
	}
	return n > 0, nil
}

// EmbeddingsExist reports whether an embedding row exists for the source and
// model. This is the embedding stage's idempotency anchor.
func (s *DB) EmbeddingsExist(ctx context.Context, sourceType EmbeddingSource, sourceID, modelName string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM intelligence.embeddings
		WHERE source_type = ? AND source_id = ? AND model_name = ?`,
		string(sourceType), sourceID, modelName).Scan(&n)
	if err != nil {
		return false, mapDBError(err, "check embeddings")
	}
	return n > 0, nil
}

// CountEmbeddingsForDocument counts embeddings whose sources belong to the
// document (text chunks and images).
func (s *DB) CountEmbeddingsForDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM intelligence.embeddings e
			 JOIN intelligence.intelligence_chunks c ON e.source_id = c.id
			 WHERE e.source_type = 'text_chunk' AND c.document_id = ?)
			+
			(SELECT COUNT(*) FROM intelligence.embeddings e
			 JOIN content.images i ON e.source_id = i.id
			 WHERE e.source_type = 'image' AND i.document_id = ?)`,
		documentID, documentID).Scan(&n)
	return n, mapDBError(err, "count embeddings for document")
}

// DeleteEmbeddingsForSource removes all embeddings referencing a source row.
func (s *DB) DeleteEmbeddingsForSource(ctx context.Context, sourceType EmbeddingSource, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM intelligence.embeddings
		WHERE source_type = ? AND source_id = ?`, string(sourceType), sourceID)
	return mapDBError(err, "delete embeddings for source")
}

// SaveExtraction inserts a structured extraction result.
func (s *DB) SaveExtraction(ctx context.Context, ex *StructuredExtraction) error {
	if ex.ID == "" {
		ex.ID = newID()
	}
	if ex.Validation == "" {
		ex.Validation = ValidationPending
	}
	if ex.CreatedAt.IsZero() {
		ex.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intelligence.structured_extractions
			(id, source_type, source_id, extraction_type, data, confidence,
			 validation, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.SourceType, ex.SourceID, string(ex.ExtractionType),
		marshalJSON(ex.Data), ex.Confidence, string(ex.Validation), ex.CreatedAt)
	return mapDBError(err, "save extraction")
}

// GetExtractions returns extractions for a source row.
func (s *DB) GetExtractions(ctx context.Context, sourceType, sourceID string) ([]*StructuredExtraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_type, source_id, extraction_type, data, confidence,
		       validation, created_at
		FROM intelligence.structured_extractions
		WHERE source_type = ? AND source_id = ?
		ORDER BY created_at`, sourceType, sourceID)
	if err != nil {
		return nil, mapDBError(err, "get extractions")
	}
	defer func() { _ = rows.Close() }()

	var out []*StructuredExtraction
	for rows.Next() {
		var ex StructuredExtraction
		var extractionType, data, validation string
		if err := rows.Scan(&ex.ID, &ex.SourceType, &ex.SourceID,
			&extractionType, &data, &ex.Confidence, &validation,
			&ex.CreatedAt); err != nil {
			return nil, mapDBError(err, "get extractions")
		}
		ex.ExtractionType = ExtractionType(extractionType)
		ex.Validation = ValidationStatus(validation)
		ex.Data = unmarshalAnyMap(data)
		out = append(out, &ex)
	}
	return out, mapDBError(rows.Err(), "get extractions")
}

// UpsertErrorCode inserts or merges an error code on its provenance tuple.
// On conflict the higher-confidence result wins; on equal confidence the
// pattern-matched (non-AI) result is preferred.
func (s *DB) UpsertErrorCode(ctx context.Context, ec *ErrorCode) (string, bool, error) {
	var id string
	var wasNew bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existingID string
		var existingConfidence float64
		var existingAI int
		err := tx.QueryRowContext(ctx, `
			SELECT id, confidence, ai_extracted FROM intelligence.error_codes
			WHERE code = ? AND manufacturer_id = ? AND product_id = ?
			  AND document_id = ? AND video_id = ?`,
			ec.Code, ec.ManufacturerID, ec.ProductID, ec.DocumentID, ec.VideoID).
			Scan(&existingID, &existingConfidence, &existingAI)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			id = ec.ID
			if id == "" {
				id = newID()
			}
			ts := now()
			aiExtracted := 0
			if ec.AIExtracted {
				aiExtracted = 1
			}
			verified := 0
			if ec.Verified {
				verified = 1
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO intelligence.error_codes
					(id, code, manufacturer_id, product_id, document_id, video_id,
					 description, solution, confidence, ai_extracted, verified,
					 created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, ec.Code, ec.ManufacturerID, ec.ProductID, ec.DocumentID,
				ec.VideoID, ec.Description, ec.Solution, ec.Confidence,
				aiExtracted, verified, ts, ts)
			if err != nil {
				return mapDBError(err, "insert error code")
			}
			wasNew = true
			return nil

		case err != nil:
			return mapDBError(err, "upsert error code")
		}

		id = existingID
		// Merge tie-break: higher confidence wins; pattern match wins ties.
		incomingWins := ec.Confidence > existingConfidence ||
			(ec.Confidence == existingConfidence && !ec.AIExtracted && existingAI == 1)
		if !incomingWins {
			return nil
		}
		aiExtracted := 0
		if ec.AIExtracted {
			aiExtracted = 1
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE intelligence.error_codes
			SET description = ?, solution = ?, confidence = ?, ai_extracted = ?,
			    updated_at = ?
			WHERE id = ?`,
			ec.Description, ec.Solution, ec.Confidence, aiExtracted, now(), existingID)
		return mapDBError(err, "merge error code")
	})
	if err != nil {
		return "", false, err
	}
	return id, wasNew, nil
}

// GetErrorCodes returns error codes extracted from a document.
func (s *DB) GetErrorCodes(ctx context.Context, documentID string) ([]*ErrorCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, code, manufacturer_id, product_id, document_id, video_id,
		       description, solution, confidence, ai_extracted, verified,
		       created_at, updated_at
		FROM intelligence.error_codes
		WHERE document_id = ? ORDER BY code`, documentID)
	if err != nil {
		return nil, mapDBError(err, "get error codes")
	}
	defer func() { _ = rows.Close() }()

	var out []*ErrorCode
	for rows.Next() {
		var ec ErrorCode
		var aiExtracted, verified int
		if err := rows.Scan(&ec.ID, &ec.Code, &ec.ManufacturerID,
			&ec.ProductID, &ec.DocumentID, &ec.VideoID, &ec.Description,
			&ec.Solution, &ec.Confidence, &aiExtracted, &verified,
			&ec.CreatedAt, &ec.UpdatedAt); err != nil {
			return nil, mapDBError(err, "get error codes")
		}
		ec.AIExtracted = aiExtracted != 0
		ec.Verified = verified != 0
		out = append(out, &ec)
	}
	return out, mapDBError(rows.Err(), "get error codes")
}

// SaveParts bulk-inserts parts; (document_id, part_number) conflicts update
// the description when the new confidence is higher.
func (s *DB) SaveParts(ctx context.Context, parts []*Part) error {
	if len(parts) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO intelligence.parts
				(id, document_id, manufacturer_id, part_number, description,
				 confidence, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, part_number) DO UPDATE SET
				description = excluded.description,
				confidence = excluded.confidence
			WHERE excluded.confidence > confidence`)
		if err != nil {
			return mapDBError(err, "save parts")
		}
		defer func() { _ = stmt.Close() }()

		for _, p := range parts {
			if p.ID == "" {
				p.ID = newID()
			}
			if p.CreatedAt.IsZero() {
				p.CreatedAt = now()
			}
			if _, err := stmt.ExecContext(ctx, p.ID, p.DocumentID,
				p.ManufacturerID, p.PartNumber, p.Description, p.Confidence,
				p.CreatedAt); err != nil {
				return mapDBError(err, "save parts")
			}
		}
		return nil
	})
}

// GetParts returns parts extracted from a document.
func (s *DB) GetParts(ctx context.Context, documentID string) ([]*Part, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, manufacturer_id, part_number, description,
		       confidence, created_at
		FROM intelligence.parts
		WHERE document_id = ? ORDER BY part_number`, documentID)
	if err != nil {
		return nil, mapDBError(err, "get parts")
	}
	defer func() { _ = rows.Close() }()

	var out []*Part
	for rows.Next() {
		var p Part
		if err := rows.Scan(&p.ID, &p.DocumentID, &p.ManufacturerID,
			&p.PartNumber, &p.Description, &p.Confidence, &p.CreatedAt); err != nil {
			return nil, mapDBError(err, "get parts")
		}
		out = append(out, &p)
	}
	return out, mapDBError(rows.Err(), "get parts")
}

// GetDocumentCounts returns per-document row counts in one round trip.
func (s *DB) GetDocumentCounts(ctx context.Context, documentID string) (*DocumentCounts, error) {
	var c DocumentCounts
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM content.content_chunks WHERE document_id = ?),
			(SELECT COUNT(*) FROM intelligence.intelligence_chunks WHERE document_id = ?),
			(SELECT COUNT(*) FROM content.images WHERE document_id = ?),
			(SELECT COUNT(*) FROM content.structured_tables WHERE document_id = ?),
			(SELECT COUNT(*) FROM content.links WHERE document_id = ?),
			(SELECT COUNT(*) FROM intelligence.error_codes WHERE document_id = ?),
			(SELECT COUNT(*) FROM intelligence.parts WHERE document_id = ?)`,
		documentID, documentID, documentID, documentID, documentID,
		documentID, documentID).
		Scan(&c.ContentChunks, &c.IntelligenceChunks, &c.Images, &c.Tables,
			&c.Links, &c.ErrorCodes, &c.Parts)
	if err != nil {
		return nil, mapDBError(err, "get document counts")
	}
	n, err := s.CountEmbeddingsForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	c.Embeddings = n
	return &c, nil
}

// SaveAuditEntries bulk-inserts audit log entries.
func (s *DB) SaveAuditEntries(ctx context.Context, entries []*AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertAuditEntries(ctx, tx, entries)
	})
}

// GetAuditEntries returns audit entries for a correlation id, oldest first.
func (s *DB) GetAuditEntries(ctx context.Context, correlationID string) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation, resource, record_id, old_values, new_values,
		       actor_id, correlation_id, rollback_data, created_at
		FROM system.audit_log
		WHERE correlation_id = ? ORDER BY created_at, id`, correlationID)
	if err != nil {
		return nil, mapDBError(err, "get audit entries")
	}
	defer func() { _ = rows.Close() }()

	var out []*AuditEntry
	for rows.Next() {
		var a AuditEntry
		var oldValues, newValues, rollbackData string
		if err := rows.Scan(&a.ID, &a.Operation, &a.Resource, &a.RecordID,
			&oldValues, &newValues, &a.ActorID, &a.CorrelationID,
			&rollbackData, &a.CreatedAt); err != nil {
			return nil, mapDBError(err, "get audit entries")
		}
		a.OldValues = unmarshalAnyMap(oldValues)
		a.NewValues = unmarshalAnyMap(newValues)
		a.RollbackData = unmarshalAnyMap(rollbackData)
		out = append(out, &a)
	}
	return out, mapDBError(rows.Err(), "get audit entries")
}
