// Package stages holds the fifteen pipeline stage processors. Each
// processor implements pipeline.Processor: Done answers the idempotency
// precheck from persisted rows, Process performs the work and must be safe
// to re-run after a crash mid-write. External collaborators (extractors,
// vision, embedder, blob store) are read from the processing context and
// may be nil; stages degrade or fail with a typed error accordingly.
package stages

import (
	"github.com/fixbase/docpipe/internal/pipeline"
)

// RegisterAll installs every stage processor on the executor.
func RegisterAll(exec *pipeline.Executor) {
	exec.Register(&Upload{})
	exec.Register(&TextExtraction{})
	exec.Register(&TableExtraction{})
	exec.Register(&SVGProcessing{})
	exec.Register(&ImageProcessing{})
	exec.Register(&VisualEmbedding{})
	exec.Register(&LinkExtraction{})
	exec.Register(&ChunkPrep{})
	exec.Register(&Classification{})
	exec.Register(&MetadataExtraction{})
	exec.Register(&PartsExtraction{})
	exec.Register(&SeriesDetection{})
	exec.Register(&Storage{})
	exec.Register(&Embedding{})
	exec.Register(&SearchIndexing{})
}

func success(metadata map[string]string) *pipeline.ProcessingResult {
	return &pipeline.ProcessingResult{Success: true, Metadata: metadata}
}

func successData(data any, metadata map[string]string) *pipeline.ProcessingResult {
	return &pipeline.ProcessingResult{Success: true, Data: data, Metadata: metadata}
}
