package store

import (
	"context"
	"database/sql"
	"errors"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// UpsertDocumentByHash is the idempotency anchor for the upload stage.
// If a non-deleted row with the hash exists its id is returned with
// wasNew=false; otherwise a new row is inserted atomically.
func (s *DB) UpsertDocumentByHash(ctx context.Context, hash string, meta *Document) (string, bool, error) {
	var id string
	var wasNew bool

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT id FROM core.documents WHERE content_hash = ? AND deleted = 0`, hash)
		switch err := row.Scan(&id); {
		case err == nil:
			wasNew = false
			return nil
		case errors.Is(err, sql.ErrNoRows):
			// fall through to insert
		default:
			return mapDBError(err, "upsert document")
		}

		id = meta.ID
		if id == "" {
			id = newID()
		}
		ts := now()
		docType := meta.DocumentType
		if docType == "" {
			docType = DocTypeOther
		}
		priority := meta.Priority
		if priority == 0 {
			priority = PriorityForType(docType)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO core.documents
				(id, content_hash, filename, size_bytes, manufacturer_id,
				 document_type, priority, status, page_count, deleted,
				 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
			id, hash, meta.Filename, meta.SizeBytes, meta.ManufacturerID,
			string(docType), priority, string(ProcessingPending), ts, ts)
		if err != nil {
			return mapDBError(err, "insert document")
		}
		wasNew = true
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, wasNew, nil
}

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var docType, status string
	var deleted int
	err := row.Scan(&d.ID, &d.ContentHash, &d.Filename, &d.SizeBytes,
		&d.ManufacturerID, &docType, &d.Priority, &status, &d.PageCount,
		&deleted, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.DocumentType = DocumentType(docType)
	d.Status = ProcessingStatus(status)
	d.Deleted = deleted != 0
	return &d, nil
}

const documentColumns = `id, content_hash, filename, size_bytes, manufacturer_id,
	document_type, priority, status, page_count, deleted, created_at, updated_at`

// GetDocument returns a document by id, or nil if absent.
func (s *DB) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM core.documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get document")
	}
	return d, nil
}

// GetDocumentByHash returns the non-deleted document with the hash, or nil.
func (s *DB) GetDocumentByHash(ctx context.Context, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM core.documents
		 WHERE content_hash = ? AND deleted = 0`, hash)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get document by hash")
	}
	return d, nil
}

// UpdateDocumentStatus sets the document-level status summary.
func (s *DB) UpdateDocumentStatus(ctx context.Context, id string, status ProcessingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE core.documents SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), now(), id)
	if err != nil {
		return mapDBError(err, "update document status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodeDanglingReference, nil, "document %s not found", id)
	}
	return nil
}

// UpdateDocumentClassification records the classification stage output.
func (s *DB) UpdateDocumentClassification(ctx context.Context, id string, docType DocumentType, manufacturerID string, priority int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE core.documents
		SET document_type = ?, manufacturer_id = ?, priority = ?, updated_at = ?
		WHERE id = ?`,
		string(docType), manufacturerID, priority, now(), id)
	if err != nil {
		return mapDBError(err, "update document classification")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pipeerr.Newf(pipeerr.ErrCodeDanglingReference, nil, "document %s not found", id)
	}
	return nil
}

// SetDocumentPageCount stores the extracted page count.
func (s *DB) SetDocumentPageCount(ctx context.Context, id string, pages int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE core.documents SET page_count = ?, updated_at = ? WHERE id = ?`,
		pages, now(), id)
	return mapDBError(err, "set document page count")
}

// ListDocuments returns non-deleted documents, newest first.
func (s *DB) ListDocuments(ctx context.Context, limit int) ([]*Document, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM core.documents
		 WHERE deleted = 0 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, mapDBError(err, "list documents")
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, mapDBError(err, "list documents")
		}
		docs = append(docs, d)
	}
	return docs, mapDBError(rows.Err(), "list documents")
}

// DeleteDocument soft-deletes the document and cascades hard deletes to all
// owned rows (chunks, images, extractions, stage status). Embeddings whose
// sources belong to the document are removed first to keep referential
// integrity.
func (s *DB) DeleteDocument(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmts := []struct {
			q    string
			args []any
		}{
			{`DELETE FROM intelligence.embeddings
			  WHERE source_type = 'text_chunk' AND source_id IN
			    (SELECT id FROM intelligence.intelligence_chunks WHERE document_id = ?)`, []any{id}},
			{`DELETE FROM intelligence.embeddings
			  WHERE source_type = 'image' AND source_id IN
			    (SELECT id FROM content.images WHERE document_id = ?)`, []any{id}},
			{`DELETE FROM intelligence.intelligence_chunks WHERE document_id = ?`, []any{id}},
			{`DELETE FROM intelligence.error_codes WHERE document_id = ?`, []any{id}},
			{`DELETE FROM intelligence.parts WHERE document_id = ?`, []any{id}},
			{`DELETE FROM content.content_chunks WHERE document_id = ?`, []any{id}},
			{`DELETE FROM content.images WHERE document_id = ?`, []any{id}},
			{`DELETE FROM content.links WHERE document_id = ?`, []any{id}},
			{`DELETE FROM content.structured_tables WHERE document_id = ?`, []any{id}},
			{`DELETE FROM system.stage_status WHERE document_id = ?`, []any{id}},
			{`UPDATE core.documents SET deleted = 1, updated_at = ? WHERE id = ?`, []any{now(), id}},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
				return mapDBError(err, "delete document")
			}
		}
		return nil
	})
}

// CountDocuments counts non-deleted documents.
func (s *DB) CountDocuments(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM core.documents WHERE deleted = 0`).Scan(&n)
	return n, mapDBError(err, "count documents")
}

// FindOrCreateManufacturer returns the manufacturer with the name, creating
// it when absent.
func (s *DB) FindOrCreateManufacturer(ctx context.Context, name string) (*Manufacturer, error) {
	var m Manufacturer
	var aliases string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, aliases, created_at FROM core.manufacturers WHERE name = ?`, name).
		Scan(&m.ID, &m.Name, &aliases, &m.CreatedAt)
	if err == nil {
		m.Aliases = unmarshalStrings(aliases)
		return &m, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapDBError(err, "find manufacturer")
	}

	m = Manufacturer{ID: newID(), Name: name, CreatedAt: now()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO core.manufacturers (id, name, aliases, created_at) VALUES (?, ?, '[]', ?)`,
		m.ID, m.Name, m.CreatedAt)
	if err != nil {
		return nil, mapDBError(err, "create manufacturer")
	}
	return &m, nil
}

// GetManufacturer returns a manufacturer by id, or nil.
func (s *DB) GetManufacturer(ctx context.Context, id string) (*Manufacturer, error) {
	var m Manufacturer
	var aliases string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, aliases, created_at FROM core.manufacturers WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &aliases, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get manufacturer")
	}
	m.Aliases = unmarshalStrings(aliases)
	return &m, nil
}

// FindOrCreateSeries returns the product series, creating it when absent.
func (s *DB) FindOrCreateSeries(ctx context.Context, manufacturerID, name string) (*ProductSeries, error) {
	var ps ProductSeries
	err := s.db.QueryRowContext(ctx, `
		SELECT id, manufacturer_id, name, created_at FROM core.product_series
		WHERE manufacturer_id = ? AND name = ?`, manufacturerID, name).
		Scan(&ps.ID, &ps.ManufacturerID, &ps.Name, &ps.CreatedAt)
	if err == nil {
		return &ps, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, mapDBError(err, "find series")
	}

	ps = ProductSeries{ID: newID(), ManufacturerID: manufacturerID, Name: name, CreatedAt: now()}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO core.product_series (id, manufacturer_id, name, created_at) VALUES (?, ?, ?, ?)`,
		ps.ID, ps.ManufacturerID, ps.Name, ps.CreatedAt)
	if err != nil {
		return nil, mapDBError(err, "create series")
	}
	return &ps, nil
}

// ListSeriesByManufacturer lists series for a manufacturer.
func (s *DB) ListSeriesByManufacturer(ctx context.Context, manufacturerID string) ([]*ProductSeries, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, manufacturer_id, name, created_at FROM core.product_series
		WHERE manufacturer_id = ? ORDER BY name`, manufacturerID)
	if err != nil {
		return nil, mapDBError(err, "list series")
	}
	defer func() { _ = rows.Close() }()

	var out []*ProductSeries
	for rows.Next() {
		var ps ProductSeries
		if err := rows.Scan(&ps.ID, &ps.ManufacturerID, &ps.Name, &ps.CreatedAt); err != nil {
			return nil, mapDBError(err, "list series")
		}
		out = append(out, &ps)
	}
	return out, mapDBError(rows.Err(), "list series")
}
