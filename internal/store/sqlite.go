package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// Schema file names inside the data directory. Each schema of the logical
// layout (core.*, content.*, intelligence.*, system.*) lives in its own
// database file and is ATTACHed under its schema name, so SQL addresses
// tables exactly as the layout reads: core.documents, system.stage_status.
const (
	coreDBFile         = "core.db"
	contentDBFile      = "content.db"
	intelligenceDBFile = "intelligence.db"
	systemDBFile       = "system.db"
)

// CurrentSchemaVersion is the current database schema version.
const CurrentSchemaVersion = 1

// DB is the SQLite-backed persistence gateway.
type DB struct {
	db  *sql.DB
	dir string
}

var _ Gateway = (*DB)(nil)

// Open opens (or creates) the schema-partitioned store in dir.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// The main database is a bootstrap file; real tables live in the
	// attached schema databases.
	dsn := filepath.Join(dir, "docpipe.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer: ATTACH state is per-connection, so the pool must hold
	// exactly one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for schema, file := range map[string]string{
		"core":         coreDBFile,
		"content":      contentDBFile,
		"intelligence": intelligenceDBFile,
		"system":       systemDBFile,
	} {
		path := filepath.Join(dir, file)
		if _, err := db.Exec(fmt.Sprintf("ATTACH DATABASE %q AS %s", path, schema)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to attach %s schema: %w", schema, err)
		}
	}

	// WAL must be set via PRAGMA for modernc.org/sqlite; DSN params may be
	// ignored. busy_timeout handles lock contention from the reclaim loop.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &DB{db: db, dir: dir}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	slog.Debug("store_opened", slog.String("dir", dir))
	return s, nil
}

// Close closes the underlying database.
func (s *DB) Close() error {
	return s.db.Close()
}

// Dir returns the data directory backing this store.
func (s *DB) Dir() string {
	return s.dir
}

func (s *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- core schema
	CREATE TABLE IF NOT EXISTS core.documents (
		id              TEXT PRIMARY KEY,
		content_hash    TEXT NOT NULL,
		filename        TEXT NOT NULL,
		size_bytes      INTEGER NOT NULL,
		manufacturer_id TEXT NOT NULL DEFAULT '',
		document_type   TEXT NOT NULL DEFAULT 'other',
		priority        INTEGER NOT NULL DEFAULT 5,
		status          TEXT NOT NULL DEFAULT 'pending',
		page_count      INTEGER NOT NULL DEFAULT 0,
		deleted         INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL
	);
	-- content hash unique across non-deleted documents
	CREATE UNIQUE INDEX IF NOT EXISTS core.idx_documents_hash
		ON documents(content_hash) WHERE deleted = 0;

	CREATE TABLE IF NOT EXISTS core.manufacturers (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		aliases    TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS core.product_series (
		id              TEXT PRIMARY KEY,
		manufacturer_id TEXT NOT NULL,
		name            TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		UNIQUE(manufacturer_id, name)
	);

	-- content schema
	CREATE TABLE IF NOT EXISTS content.content_chunks (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		ordinal     INTEGER NOT NULL,
		page_start  INTEGER NOT NULL,
		page_end    INTEGER NOT NULL,
		chunk_type  TEXT NOT NULL DEFAULT 'paragraph',
		text        TEXT NOT NULL,
		confidence  REAL NOT NULL DEFAULT 1.0,
		language    TEXT NOT NULL DEFAULT 'unk',
		image_only  INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		UNIQUE(document_id, ordinal)
	);
	CREATE INDEX IF NOT EXISTS content.idx_chunks_document
		ON content_chunks(document_id);

	CREATE TABLE IF NOT EXISTS content.images (
		id             TEXT PRIMARY KEY,
		document_id    TEXT NOT NULL,
		page           INTEGER NOT NULL,
		file_hash      TEXT NOT NULL UNIQUE,
		format         TEXT NOT NULL DEFAULT 'png',
		storage_key    TEXT NOT NULL DEFAULT '',
		ocr_text       TEXT NOT NULL DEFAULT '',
		ai_description TEXT NOT NULL DEFAULT '',
		embedding_id   TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS content.idx_images_document
		ON images(document_id);

	CREATE TABLE IF NOT EXISTS content.links (
		id          TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		page        INTEGER NOT NULL DEFAULT 0,
		url         TEXT NOT NULL,
		category    TEXT NOT NULL,
		confidence  REAL NOT NULL DEFAULT 0,
		video_id    TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMP NOT NULL,
		UNIQUE(document_id, url)
	);

	CREATE TABLE IF NOT EXISTS content.videos (
		id                TEXT PRIMARY KEY,
		platform          TEXT NOT NULL,
		platform_video_id TEXT NOT NULL,
		url               TEXT NOT NULL,
		title             TEXT NOT NULL DEFAULT '',
		duration_seconds  INTEGER NOT NULL DEFAULT 0,
		thumbnail_url     TEXT NOT NULL DEFAULT '',
		channel_title     TEXT NOT NULL DEFAULT '',
		manufacturer_ids  TEXT NOT NULL DEFAULT '[]',
		series_ids        TEXT NOT NULL DEFAULT '[]',
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
		UNIQUE(platform, platform_video_id)
	);

	CREATE TABLE IF NOT EXISTS content.structured_tables (
		id            TEXT PRIMARY KEY,
		document_id   TEXT NOT NULL,
		page          INTEGER NOT NULL,
		index_on_page INTEGER NOT NULL,
		rows          TEXT NOT NULL DEFAULT '[]',
		markdown      TEXT NOT NULL DEFAULT '',
		caption       TEXT NOT NULL DEFAULT '',
		context       TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMP NOT NULL,
		UNIQUE(document_id, page, index_on_page)
	);

	-- intelligence schema
	CREATE TABLE IF NOT EXISTS intelligence.intelligence_chunks (
		id              TEXT PRIMARY KEY,
		document_id     TEXT NOT NULL,
		source_chunk_id TEXT NOT NULL DEFAULT '',
		text            TEXT NOT NULL,
		page_start      INTEGER NOT NULL,
		page_end        INTEGER NOT NULL,
		fingerprint     TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		UNIQUE(document_id, fingerprint)
	);
	CREATE INDEX IF NOT EXISTS intelligence.idx_ichunks_document
		ON intelligence_chunks(document_id);

	CREATE TABLE IF NOT EXISTS intelligence.embeddings (
		id          TEXT PRIMARY KEY,
		source_type TEXT NOT NULL,
		source_id   TEXT NOT NULL,
		vector      BLOB NOT NULL,
		model_name  TEXT NOT NULL,
		dimension   INTEGER NOT NULL,
		created_at  TIMESTAMP NOT NULL,
		UNIQUE(source_type, source_id, model_name)
	);
	CREATE INDEX IF NOT EXISTS intelligence.idx_embeddings_source
		ON embeddings(source_type, source_id);

	CREATE TABLE IF NOT EXISTS intelligence.error_codes (
		id              TEXT PRIMARY KEY,
		code            TEXT NOT NULL,
		manufacturer_id TEXT NOT NULL DEFAULT '',
		product_id      TEXT NOT NULL DEFAULT '',
		document_id     TEXT NOT NULL DEFAULT '',
		video_id        TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		solution        TEXT NOT NULL DEFAULT '',
		confidence      REAL NOT NULL DEFAULT 0,
		ai_extracted    INTEGER NOT NULL DEFAULT 0,
		verified        INTEGER NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL,
		updated_at      TIMESTAMP NOT NULL,
		UNIQUE(code, manufacturer_id, product_id, document_id, video_id)
	);

	CREATE TABLE IF NOT EXISTS intelligence.structured_extractions (
		id              TEXT PRIMARY KEY,
		source_type     TEXT NOT NULL,
		source_id       TEXT NOT NULL,
		extraction_type TEXT NOT NULL,
		data            TEXT NOT NULL DEFAULT '{}',
		confidence      REAL NOT NULL DEFAULT 0,
		validation      TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS intelligence.parts (
		id              TEXT PRIMARY KEY,
		document_id     TEXT NOT NULL,
		manufacturer_id TEXT NOT NULL DEFAULT '',
		part_number     TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		confidence      REAL NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL,
		UNIQUE(document_id, part_number)
	);

	-- system schema
	CREATE TABLE IF NOT EXISTS system.stage_status (
		document_id     TEXT NOT NULL,
		stage           TEXT NOT NULL,
		state           TEXT NOT NULL DEFAULT 'pending',
		attempt         INTEGER NOT NULL DEFAULT 0,
		lease_token     TEXT NOT NULL DEFAULT '',
		leased_until    TIMESTAMP,
		first_attempt   TIMESTAMP,
		last_transition TIMESTAMP NOT NULL,
		last_error_id   TEXT NOT NULL DEFAULT '',
		metadata        TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (document_id, stage)
	);

	CREATE TABLE IF NOT EXISTS system.processing_queue (
		id             TEXT PRIMARY KEY,
		task_type      TEXT NOT NULL,
		payload        TEXT NOT NULL DEFAULT '{}',
		status         TEXT NOT NULL DEFAULT 'queued',
		priority       INTEGER NOT NULL DEFAULT 5,
		scheduled_at   TIMESTAMP NOT NULL,
		leased_until   TIMESTAMP,
		lessor         TEXT NOT NULL DEFAULT '',
		attempt_count  INTEGER NOT NULL DEFAULT 0,
		correlation_id TEXT NOT NULL DEFAULT '',
		last_error     TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS system.idx_queue_dequeue
		ON processing_queue(status, priority, scheduled_at);

	CREATE TABLE IF NOT EXISTS system.error_records (
		id                 TEXT PRIMARY KEY,
		correlation_id     TEXT NOT NULL,
		document_id        TEXT NOT NULL,
		stage              TEXT NOT NULL,
		error_kind         TEXT NOT NULL,
		message            TEXT NOT NULL,
		attempt            INTEGER NOT NULL,
		retry_scheduled_at TIMESTAMP,
		status             TEXT NOT NULL DEFAULT 'pending_retry',
		created_at         TIMESTAMP NOT NULL,
		updated_at         TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS system.idx_errors_correlation
		ON error_records(correlation_id);

	CREATE TABLE IF NOT EXISTS system.audit_log (
		id             TEXT PRIMARY KEY,
		operation      TEXT NOT NULL,
		resource       TEXT NOT NULL,
		record_id      TEXT NOT NULL,
		old_values     TEXT NOT NULL DEFAULT '{}',
		new_values     TEXT NOT NULL DEFAULT '{}',
		actor_id       TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		rollback_data  TEXT NOT NULL DEFAULT '{}',
		created_at     TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS system.idx_audit_correlation
		ON audit_log(correlation_id);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`

	_, err := s.db.Exec(schema)
	return err
}

// mapDBError converts driver errors into the taxonomy: constraint violations
// are permanent, busy/locked are transient.
func mapDBError(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "constraint"):
		return pipeerr.Permanent(pipeerr.ErrCodeConstraintViolation, op+" violated a constraint", err)
	case strings.Contains(msg, "locked"), strings.Contains(msg, "busy"):
		return pipeerr.Transient(pipeerr.ErrCodeDatabaseBusy, op+" hit a busy database", err)
	case strings.Contains(msg, "no such table"), strings.Contains(msg, "malformed"):
		return pipeerr.New(pipeerr.ErrCodeCorruptStore, op+" found a corrupt store", err)
	default:
		return pipeerr.Transient(pipeerr.ErrCodeDatabaseUnavailable, op+" failed", err)
	}
}

// newID returns a fresh row id.
func newID() string {
	return uuid.NewString()
}

// inTx runs fn inside a transaction spanning all attached schemas.
func (s *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapDBError(err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapDBError(err, "commit transaction")
	}
	return nil
}

// marshalJSON serializes v for a JSON text column; nil becomes the zero doc.
func marshalJSON(v any) string {
	if v == nil {
		return "{}"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func unmarshalMap(data string) map[string]string {
	m := map[string]string{}
	_ = json.Unmarshal([]byte(data), &m)
	return m
}

func unmarshalAnyMap(data string) map[string]any {
	m := map[string]any{}
	_ = json.Unmarshal([]byte(data), &m)
	return m
}

func unmarshalStrings(data string) []string {
	var v []string
	_ = json.Unmarshal([]byte(data), &v)
	return v
}

// vectorToBlob encodes a float32 vector as little-endian bytes.
func vectorToBlob(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		bits := math.Float32bits(f)
		binary.LittleEndian.PutUint32(buf[4*i:], bits)
	}
	return buf
}

func blobToVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

func now() time.Time {
	return time.Now().UTC()
}
