// Package store provides the persistence gateway for docpipe: a
// schema-partitioned SQLite store (core, content, intelligence, system),
// an HNSW vector index for embeddings, and a bleve full-text index.
package store

import (
	"context"
	"time"
)

// DocumentType tags the kind of technical document.
type DocumentType string

const (
	DocTypeServiceManual   DocumentType = "service_manual"
	DocTypePartsCatalog    DocumentType = "parts_catalog"
	DocTypeServiceBulletin DocumentType = "bulletin"
	DocTypeCPMD            DocumentType = "cpmd"
	DocTypeOther           DocumentType = "other"
)

// PriorityForType derives the processing priority from the document type.
// 1 is highest (bulletins carry urgent field fixes), 5 lowest.
func PriorityForType(t DocumentType) int {
	switch t {
	case DocTypeServiceBulletin:
		return 1
	case DocTypeCPMD:
		return 2
	case DocTypeServiceManual:
		return 3
	case DocTypePartsCatalog:
		return 4
	default:
		return 5
	}
}

// ProcessingStatus is the document-level status summary.
type ProcessingStatus string

const (
	ProcessingPending   ProcessingStatus = "pending"
	ProcessingActive    ProcessingStatus = "processing"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
	ProcessingArchived  ProcessingStatus = "archived"
)

// Document is the logical unit of ingestion. Content hash is unique across
// non-deleted documents and is the sole idempotency anchor for uploads.
type Document struct {
	ID             string
	ContentHash    string // SHA-256 of raw bytes
	Filename       string
	SizeBytes      int64
	ManufacturerID string // empty until classification
	DocumentType   DocumentType
	Priority       int // 1 highest .. 5 lowest
	Status         ProcessingStatus
	PageCount      int
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Manufacturer is a normalized manufacturer row.
type Manufacturer struct {
	ID        string
	Name      string
	Aliases   []string
	CreatedAt time.Time
}

// ProductSeries is a product line (e.g. "LaserJet 4200 series").
type ProductSeries struct {
	ID             string
	ManufacturerID string
	Name           string
	CreatedAt      time.Time
}

// ContentChunk is raw text produced by the extraction stage. Never mutated
// after creation; duplicates across documents are expected.
type ContentChunk struct {
	ID         string
	DocumentID string
	Ordinal    int // contiguous per document, starting at 0
	PageStart  int
	PageEnd    int
	ChunkType  string // paragraph, heading, table_context, caption
	Text       string
	Confidence float64
	Language   string // ISO code, "unk" when undetected
	ImageOnly  bool   // page had no text
	CreatedAt  time.Time
}

// ChunkStatus is the IntelligenceChunk processing status.
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// IntelligenceChunk is the AI-ready, fingerprint-deduplicated projection of
// raw content chunks. Fingerprint is unique within a document's chunk set.
type IntelligenceChunk struct {
	ID            string
	DocumentID    string
	SourceChunkID string // weak reference back to the raw chunk
	Text          string
	PageStart     int
	PageEnd       int
	Fingerprint   string // SHA-256 of normalized text
	Status        ChunkStatus
	Metadata      map[string]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Image is an extracted raster or vector image, deduplicated across
// documents by file hash.
type Image struct {
	ID            string
	DocumentID    string
	Page          int
	FileHash      string // SHA-256 of image bytes, globally unique
	Format        string // png, jpeg, svg
	StorageKey    string // blob store key, set by the storage stage
	OCRText       string
	AIDescription string
	EmbeddingID   string // visual embedding reference, optional
	CreatedAt     time.Time
}

// EmbeddingSource identifies what an embedding vector was computed from.
type EmbeddingSource string

const (
	SourceTextChunk EmbeddingSource = "text_chunk"
	SourceImage     EmbeddingSource = "image"
	SourceTable     EmbeddingSource = "table"
)

// Embedding is a stored vector. Vector length must equal Dimension.
type Embedding struct {
	ID         string
	SourceType EmbeddingSource
	SourceID   string
	Vector     []float32
	ModelName  string
	Dimension  int
	CreatedAt  time.Time
}

// ExtractionType tags structured extractions.
type ExtractionType string

const (
	ExtractProductSpecs    ExtractionType = "product_specs"
	ExtractErrorCodes      ExtractionType = "error_codes"
	ExtractServiceManual   ExtractionType = "service_manual"
	ExtractPartsList       ExtractionType = "parts_list"
	ExtractTroubleshooting ExtractionType = "troubleshooting"
)

// ValidationStatus tracks human/automated review of an extraction.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValidated ValidationStatus = "validated"
	ValidationRejected  ValidationStatus = "rejected"
)

// StructuredExtraction is a typed extraction result attached to a source row.
type StructuredExtraction struct {
	ID             string
	SourceType     string // document, chunk, image, table
	SourceID       string
	ExtractionType ExtractionType
	Data           map[string]any
	Confidence     float64
	Validation     ValidationStatus
	CreatedAt      time.Time
}

// ErrorCode is a normalized machine error code with provenance. The
// (code, manufacturer, product, document, video) tuple is unique, which
// allows the same code with different provenance.
type ErrorCode struct {
	ID             string
	Code           string
	ManufacturerID string
	ProductID      string // optional
	DocumentID     string // optional
	VideoID        string // optional
	Description    string
	Solution       string
	Confidence     float64
	AIExtracted    bool
	Verified       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LinkCategory classifies extracted hyperlinks.
type LinkCategory string

const (
	LinkVideo    LinkCategory = "video"
	LinkSupport  LinkCategory = "support"
	LinkDownload LinkCategory = "download"
	LinkTutorial LinkCategory = "tutorial"
	LinkExternal LinkCategory = "external"
	LinkEmail    LinkCategory = "email"
	LinkPhone    LinkCategory = "phone"
)

// Link is a hyperlink extracted from a document.
type Link struct {
	ID         string
	DocumentID string
	Page       int
	URL        string
	Category   LinkCategory
	Confidence float64
	VideoID    string // back-reference when the URL is a recognized video
	CreatedAt  time.Time
}

// Video is a shared video reference. Lifecycle is independent of documents;
// manufacturer/series links are denormalized for unified search.
type Video struct {
	ID              string
	Platform        string // youtube, vimeo, dailymotion
	PlatformVideoID string
	URL             string
	Title           string
	DurationSeconds int
	ThumbnailURL    string
	ChannelTitle    string
	ManufacturerIDs []string
	SeriesIDs       []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// StructuredTable is a table extracted from a document page.
// (document_id, page, index_on_page) is unique.
type StructuredTable struct {
	ID          string
	DocumentID  string
	Page        int
	IndexOnPage int
	Rows        [][]string
	Markdown    string
	Caption     string
	Context     string // surrounding text
	CreatedAt   time.Time
}

// Part is a part-number extraction from parts catalogs.
type Part struct {
	ID             string
	DocumentID     string
	ManufacturerID string
	PartNumber     string
	Description    string
	Confidence     float64
	CreatedAt      time.Time
}

// AuditEntry records a mutation for the batch operations engine.
type AuditEntry struct {
	ID            string
	Operation     string // delete, update, status_change, restore
	Resource      string
	RecordID      string
	OldValues     map[string]any
	NewValues     map[string]any
	ActorID       string
	CorrelationID string
	RollbackData  map[string]any
	CreatedAt     time.Time
}

// DocumentCounts aggregates per-document row counts used by idempotency
// prechecks and status rendering.
type DocumentCounts struct {
	ContentChunks      int
	IntelligenceChunks int
	Images             int
	Tables             int
	Links              int
	Embeddings         int
	ErrorCodes         int
	Parts              int
}

// Gateway is the typed persistence surface over the schema-partitioned
// store. All operations are safe for concurrent use.
type Gateway interface {
	// Documents
	UpsertDocumentByHash(ctx context.Context, hash string, meta *Document) (id string, wasNew bool, err error)
	GetDocument(ctx context.Context, id string) (*Document, error)
	GetDocumentByHash(ctx context.Context, hash string) (*Document, error)
	UpdateDocumentStatus(ctx context.Context, id string, status ProcessingStatus) error
	UpdateDocumentClassification(ctx context.Context, id string, docType DocumentType, manufacturerID string, priority int) error
	SetDocumentPageCount(ctx context.Context, id string, pages int) error
	ListDocuments(ctx context.Context, limit int) ([]*Document, error)
	DeleteDocument(ctx context.Context, id string) error // cascades to owned rows
	CountDocuments(ctx context.Context) (int, error)

	// Manufacturers and series
	FindOrCreateManufacturer(ctx context.Context, name string) (*Manufacturer, error)
	GetManufacturer(ctx context.Context, id string) (*Manufacturer, error)
	FindOrCreateSeries(ctx context.Context, manufacturerID, name string) (*ProductSeries, error)
	ListSeriesByManufacturer(ctx context.Context, manufacturerID string) ([]*ProductSeries, error)

	// Content chunks
	SaveContentChunks(ctx context.Context, chunks []*ContentChunk) error
	GetContentChunks(ctx context.Context, documentID string) ([]*ContentChunk, error)

	// Intelligence chunks
	SaveIntelligenceChunks(ctx context.Context, chunks []*IntelligenceChunk) (inserted int, err error)
	GetIntelligenceChunks(ctx context.Context, documentID string) ([]*IntelligenceChunk, error)
	GetPendingIntelligenceChunks(ctx context.Context, documentID string, limit int) ([]*IntelligenceChunk, error)
	SetIntelligenceChunkStatus(ctx context.Context, id string, status ChunkStatus) error
	DeleteIntelligenceChunk(ctx context.Context, id string) error // fails while embeddings reference it

	// Images
	SaveImage(ctx context.Context, img *Image) error
	GetImageByHash(ctx context.Context, fileHash string) (*Image, error)
	GetImages(ctx context.Context, documentID string) ([]*Image, error)
	SetImageStorageKey(ctx context.Context, id, key string) error
	SetImageEmbedding(ctx context.Context, id, embeddingID string) error
	SetImageDescription(ctx context.Context, id, ocrText, aiDescription string) error

	// Embeddings
	CreateEmbeddings(ctx context.Context, batch []*Embedding) error
	EmbeddingsExist(ctx context.Context, sourceType EmbeddingSource, sourceID, modelName string) (bool, error)
	CountEmbeddingsForDocument(ctx context.Context, documentID string) (int, error)
	DeleteEmbeddingsForSource(ctx context.Context, sourceType EmbeddingSource, sourceID string) error

	// Structured data
	SaveStructuredTables(ctx context.Context, tables []*StructuredTable) error
	GetStructuredTables(ctx context.Context, documentID string) ([]*StructuredTable, error)
	SaveExtraction(ctx context.Context, ex *StructuredExtraction) error
	GetExtractions(ctx context.Context, sourceType, sourceID string) ([]*StructuredExtraction, error)
	UpsertErrorCode(ctx context.Context, ec *ErrorCode) (id string, wasNew bool, err error)
	GetErrorCodes(ctx context.Context, documentID string) ([]*ErrorCode, error)
	SaveParts(ctx context.Context, parts []*Part) error
	GetParts(ctx context.Context, documentID string) ([]*Part, error)

	// Links and videos
	SaveLinks(ctx context.Context, links []*Link) error
	GetLinks(ctx context.Context, documentID string) ([]*Link, error)
	FindOrCreateVideo(ctx context.Context, platform, platformVideoID, url string) (*Video, bool, error)
	LinkVideoToManufacturer(ctx context.Context, videoID, manufacturerID string) error
	LinkVideoToSeries(ctx context.Context, videoID, seriesID string) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	UpdateVideoMetadata(ctx context.Context, v *Video) error

	// Aggregates
	GetDocumentCounts(ctx context.Context, documentID string) (*DocumentCounts, error)

	// Audit
	SaveAuditEntries(ctx context.Context, entries []*AuditEntry) error
	GetAuditEntries(ctx context.Context, correlationID string) ([]*AuditEntry, error)

	// Lifecycle
	Close() error
}

// VectorResult is a single ANN search result.
type VectorResult struct {
	ID       string
	Distance float32
	Score    float32 // normalized similarity, 0-1
}

// VectorIndex provides approximate nearest-neighbor lookup over embedding
// vectors, maintained alongside the relational rows.
type VectorIndex interface {
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, limit int) ([]*VectorResult, error)
	Delete(ctx context.Context, ids []string) error
	Len() int
	Save(path string) error
	Load(path string) error
	Close() error
}

// SearchDoc is the unit indexed by the search index.
type SearchDoc struct {
	ID             string `json:"id"`
	DocumentID     string `json:"document_id"`
	Kind           string `json:"kind"` // chunk, error_code, part, table
	Text           string `json:"text"`
	ManufacturerID string `json:"manufacturer_id"`
	DocumentType   string `json:"document_type"`
	Page           int    `json:"page"`
}

// SearchIndex is the full-text index maintained by the search_indexing stage.
type SearchIndex interface {
	Index(ctx context.Context, docs []*SearchDoc) error
	Delete(ctx context.Context, ids []string) error
	Count() (uint64, error)
	Close() error
}
