package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
)

// SaveContentChunks bulk-inserts raw content chunks. Re-running the text
// stage replaces nothing: conflicts on (document_id, ordinal) are ignored so
// the operation is idempotent.
func (s *DB) SaveContentChunks(ctx context.Context, chunks []*ContentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO content.content_chunks
				(id, document_id, ordinal, page_start, page_end, chunk_type,
				 text, confidence, language, image_only, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, ordinal) DO NOTHING`)
		if err != nil {
			return mapDBError(err, "save content chunks")
		}
		defer func() { _ = stmt.Close() }()

		for _, c := range chunks {
			if c.ID == "" {
				c.ID = newID()
			}
			if c.Language == "" {
				c.Language = "unk"
			}
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now()
			}
			imageOnly := 0
			if c.ImageOnly {
				imageOnly = 1
			}
			if _, err := stmt.ExecContext(ctx,
				c.ID, c.DocumentID, c.Ordinal, c.PageStart, c.PageEnd,
				c.ChunkType, c.Text, c.Confidence, c.Language, imageOnly,
				c.CreatedAt); err != nil {
				return mapDBError(err, "save content chunks")
			}
		}
		return nil
	})
}

// GetContentChunks returns a document's raw chunks in ordinal order.
func (s *DB) GetContentChunks(ctx context.Context, documentID string) ([]*ContentChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, ordinal, page_start, page_end, chunk_type,
		       text, confidence, language, image_only, created_at
		FROM content.content_chunks
		WHERE document_id = ? ORDER BY ordinal`, documentID)
	if err != nil {
		return nil, mapDBError(err, "get content chunks")
	}
	defer func() { _ = rows.Close() }()

	var out []*ContentChunk
	for rows.Next() {
		var c ContentChunk
		var imageOnly int
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Ordinal, &c.PageStart,
			&c.PageEnd, &c.ChunkType, &c.Text, &c.Confidence, &c.Language,
			&imageOnly, &c.CreatedAt); err != nil {
			return nil, mapDBError(err, "get content chunks")
		}
		c.ImageOnly = imageOnly != 0
		out = append(out, &c)
	}
	return out, mapDBError(rows.Err(), "get content chunks")
}

// SaveImage inserts an image row.
func (s *DB) SaveImage(ctx context.Context, img *Image) error {
	if img.ID == "" {
		img.ID = newID()
	}
	if img.CreatedAt.IsZero() {
		img.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content.images
			(id, document_id, page, file_hash, format, storage_key,
			 ocr_text, ai_description, embedding_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.DocumentID, img.Page, img.FileHash, img.Format,
		img.StorageKey, img.OCRText, img.AIDescription, img.EmbeddingID,
		img.CreatedAt)
	return mapDBError(err, "save image")
}

func scanImage(row interface{ Scan(...any) error }) (*Image, error) {
	var img Image
	err := row.Scan(&img.ID, &img.DocumentID, &img.Page, &img.FileHash,
		&img.Format, &img.StorageKey, &img.OCRText, &img.AIDescription,
		&img.EmbeddingID, &img.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &img, nil
}

const imageColumns = `id, document_id, page, file_hash, format, storage_key,
	ocr_text, ai_description, embedding_id, created_at`

// GetImageByHash is the cross-document image dedup lookup.
func (s *DB) GetImageByHash(ctx context.Context, fileHash string) (*Image, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+imageColumns+` FROM content.images WHERE file_hash = ?`, fileHash)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get image by hash")
	}
	return img, nil
}

// GetImages returns a document's images in page order.
func (s *DB) GetImages(ctx context.Context, documentID string) ([]*Image, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM content.images
		 WHERE document_id = ? ORDER BY page, id`, documentID)
	if err != nil {
		return nil, mapDBError(err, "get images")
	}
	defer func() { _ = rows.Close() }()

	var out []*Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, mapDBError(err, "get images")
		}
		out = append(out, img)
	}
	return out, mapDBError(rows.Err(), "get images")
}

// SetImageStorageKey records the blob-store key after upload.
func (s *DB) SetImageStorageKey(ctx context.Context, id, key string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content.images SET storage_key = ? WHERE id = ?`, key, id)
	return mapDBError(err, "set image storage key")
}

// SetImageEmbedding records the visual embedding reference.
func (s *DB) SetImageEmbedding(ctx context.Context, id, embeddingID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content.images SET embedding_id = ? WHERE id = ?`, embeddingID, id)
	return mapDBError(err, "set image embedding")
}

// SetImageDescription records OCR text and/or the vision description.
func (s *DB) SetImageDescription(ctx context.Context, id, ocrText, aiDescription string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE content.images SET ocr_text = ?, ai_description = ? WHERE id = ?`,
		ocrText, aiDescription, id)
	return mapDBError(err, "set image description")
}

// SaveLinks bulk-inserts links; (document_id, url) conflicts are ignored.
func (s *DB) SaveLinks(ctx context.Context, links []*Link) error {
	if len(links) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO content.links
				(id, document_id, page, url, category, confidence, video_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, url) DO UPDATE SET
				category = excluded.category,
				confidence = excluded.confidence,
				video_id = excluded.video_id`)
		if err != nil {
			return mapDBError(err, "save links")
		}
		defer func() { _ = stmt.Close() }()

		for _, l := range links {
			if l.ID == "" {
				l.ID = newID()
			}
			if l.CreatedAt.IsZero() {
				l.CreatedAt = now()
			}
			if _, err := stmt.ExecContext(ctx, l.ID, l.DocumentID, l.Page,
				l.URL, string(l.Category), l.Confidence, l.VideoID,
				l.CreatedAt); err != nil {
				return mapDBError(err, "save links")
			}
		}
		return nil
	})
}

// GetLinks returns a document's links.
func (s *DB) GetLinks(ctx context.Context, documentID string) ([]*Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, page, url, category, confidence, video_id, created_at
		FROM content.links WHERE document_id = ? ORDER BY page, url`, documentID)
	if err != nil {
		return nil, mapDBError(err, "get links")
	}
	defer func() { _ = rows.Close() }()

	var out []*Link
	for rows.Next() {
		var l Link
		var category string
		if err := rows.Scan(&l.ID, &l.DocumentID, &l.Page, &l.URL, &category,
			&l.Confidence, &l.VideoID, &l.CreatedAt); err != nil {
			return nil, mapDBError(err, "get links")
		}
		l.Category = LinkCategory(category)
		out = append(out, &l)
	}
	return out, mapDBError(rows.Err(), "get links")
}

func scanVideo(row interface{ Scan(...any) error }) (*Video, error) {
	var v Video
	var manufacturerIDs, seriesIDs string
	err := row.Scan(&v.ID, &v.Platform, &v.PlatformVideoID, &v.URL, &v.Title,
		&v.DurationSeconds, &v.ThumbnailURL, &v.ChannelTitle,
		&manufacturerIDs, &seriesIDs, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	v.ManufacturerIDs = unmarshalStrings(manufacturerIDs)
	v.SeriesIDs = unmarshalStrings(seriesIDs)
	return &v, nil
}

const videoColumns = `id, platform, platform_video_id, url, title,
	duration_seconds, thumbnail_url, channel_title, manufacturer_ids,
	series_ids, created_at, updated_at`

// FindOrCreateVideo returns the video for (platform, platformVideoID),
// creating it on first encounter. Videos are shared across documents.
func (s *DB) FindOrCreateVideo(ctx context.Context, platform, platformVideoID, url string) (*Video, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM content.videos
		 WHERE platform = ? AND platform_video_id = ?`, platform, platformVideoID)
	v, err := scanVideo(row)
	if err == nil {
		return v, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, mapDBError(err, "find video")
	}

	v = &Video{
		ID:              newID(),
		Platform:        platform,
		PlatformVideoID: platformVideoID,
		URL:             url,
		CreatedAt:       now(),
		UpdatedAt:       now(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO content.videos
			(id, platform, platform_video_id, url, title, duration_seconds,
			 thumbnail_url, channel_title, manufacturer_ids, series_ids,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, '', 0, '', '', '[]', '[]', ?, ?)`,
		v.ID, v.Platform, v.PlatformVideoID, v.URL, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		return nil, false, mapDBError(err, "create video")
	}
	return v, true, nil
}

// appendVideoRef adds a value to one of the denormalized id lists.
func (s *DB) appendVideoRef(ctx context.Context, videoID, column, value string) error {
	if value == "" {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx,
			`SELECT `+column+` FROM content.videos WHERE id = ?`, videoID).Scan(&raw)
		if err != nil {
			return mapDBError(err, "load video refs")
		}
		ids := unmarshalStrings(raw)
		for _, existing := range ids {
			if existing == value {
				return nil
			}
		}
		ids = append(ids, value)
		data, _ := json.Marshal(ids)
		_, err = tx.ExecContext(ctx,
			`UPDATE content.videos SET `+column+` = ?, updated_at = ? WHERE id = ?`,
			string(data), now(), videoID)
		return mapDBError(err, "update video refs")
	})
}

// LinkVideoToManufacturer denormalizes the manufacturer onto the video.
func (s *DB) LinkVideoToManufacturer(ctx context.Context, videoID, manufacturerID string) error {
	return s.appendVideoRef(ctx, videoID, "manufacturer_ids", manufacturerID)
}

// LinkVideoToSeries denormalizes the series onto the video.
func (s *DB) LinkVideoToSeries(ctx context.Context, videoID, seriesID string) error {
	return s.appendVideoRef(ctx, videoID, "series_ids", seriesID)
}

// GetVideo returns a video by id, or nil.
func (s *DB) GetVideo(ctx context.Context, id string) (*Video, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+videoColumns+` FROM content.videos WHERE id = ?`, id)
	v, err := scanVideo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapDBError(err, "get video")
	}
	return v, nil
}

// UpdateVideoMetadata stores enrichment results (title, duration, thumbnail).
func (s *DB) UpdateVideoMetadata(ctx context.Context, v *Video) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE content.videos
		SET title = ?, duration_seconds = ?, thumbnail_url = ?, channel_title = ?,
		    updated_at = ?
		WHERE id = ?`,
		v.Title, v.DurationSeconds, v.ThumbnailURL, v.ChannelTitle, now(), v.ID)
	return mapDBError(err, "update video metadata")
}

// SaveStructuredTables bulk-inserts tables; re-extraction is idempotent on
// (document_id, page, index_on_page).
func (s *DB) SaveStructuredTables(ctx context.Context, tables []*StructuredTable) error {
	if len(tables) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO content.structured_tables
				(id, document_id, page, index_on_page, rows, markdown, caption,
				 context, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id, page, index_on_page) DO NOTHING`)
		if err != nil {
			return mapDBError(err, "save tables")
		}
		defer func() { _ = stmt.Close() }()

		for _, t := range tables {
			if t.ID == "" {
				t.ID = newID()
			}
			if t.CreatedAt.IsZero() {
				t.CreatedAt = now()
			}
			rowsJSON, _ := json.Marshal(t.Rows)
			if _, err := stmt.ExecContext(ctx, t.ID, t.DocumentID, t.Page,
				t.IndexOnPage, string(rowsJSON), t.Markdown, t.Caption,
				t.Context, t.CreatedAt); err != nil {
				return mapDBError(err, "save tables")
			}
		}
		return nil
	})
}

// GetStructuredTables returns a document's tables.
func (s *DB) GetStructuredTables(ctx context.Context, documentID string) ([]*StructuredTable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, page, index_on_page, rows, markdown, caption,
		       context, created_at
		FROM content.structured_tables
		WHERE document_id = ? ORDER BY page, index_on_page`, documentID)
	if err != nil {
		return nil, mapDBError(err, "get tables")
	}
	defer func() { _ = rows.Close() }()

	var out []*StructuredTable
	for rows.Next() {
		var t StructuredTable
		var rowsJSON string
		if err := rows.Scan(&t.ID, &t.DocumentID, &t.Page, &t.IndexOnPage,
			&rowsJSON, &t.Markdown, &t.Caption, &t.Context, &t.CreatedAt); err != nil {
			return nil, mapDBError(err, "get tables")
		}
		_ = json.Unmarshal([]byte(rowsJSON), &t.Rows)
		out = append(out, &t)
	}
	return out, mapDBError(rows.Err(), "get tables")
}
