// Package pipeline runs document processing: a fixed graph of fifteen
// stages executed in dependency order, resumable at stage granularity.
// Each stage run is wrapped in a stage-status lease, an idempotency
// precheck, and retry orchestration, so a crashed or re-dispatched run
// picks up where the last one stopped instead of redoing work.
package pipeline

import (
	pipeerr "github.com/fixbase/docpipe/internal/errors"
)

// Stage identifies one pipeline stage.
type Stage string

// The fifteen stages, in dependency order.
const (
	StageUpload             Stage = "upload"
	StageTextExtraction     Stage = "text_extraction"
	StageTableExtraction    Stage = "table_extraction"
	StageSVGProcessing      Stage = "svg_processing"
	StageImageProcessing    Stage = "image_processing"
	StageVisualEmbedding    Stage = "visual_embedding"
	StageLinkExtraction     Stage = "link_extraction"
	StageChunkPrep          Stage = "chunk_prep"
	StageClassification     Stage = "classification"
	StageMetadataExtraction Stage = "metadata_extraction"
	StagePartsExtraction    Stage = "parts_extraction"
	StageSeriesDetection    Stage = "series_detection"
	StageStorage            Stage = "storage"
	StageEmbedding          Stage = "embedding"
	StageSearchIndexing     Stage = "search_indexing"
)

// Order lists all stages in a valid topological order.
var Order = []Stage{
	StageUpload,
	StageTextExtraction,
	StageTableExtraction,
	StageSVGProcessing,
	StageImageProcessing,
	StageVisualEmbedding,
	StageLinkExtraction,
	StageChunkPrep,
	StageClassification,
	StageMetadataExtraction,
	StagePartsExtraction,
	StageSeriesDetection,
	StageStorage,
	StageEmbedding,
	StageSearchIndexing,
}

// dependencies maps each stage to its direct prerequisites.
// table_extraction and svg_processing branch off text_extraction;
// visual_embedding and link_extraction branch off image_processing.
// Branches may run in parallel, the trunk is strictly ordered.
var dependencies = map[Stage][]Stage{
	StageUpload:             nil,
	StageTextExtraction:     {StageUpload},
	StageTableExtraction:    {StageTextExtraction},
	StageSVGProcessing:      {StageTextExtraction},
	StageImageProcessing:    {StageSVGProcessing},
	StageVisualEmbedding:    {StageImageProcessing},
	StageLinkExtraction:     {StageImageProcessing},
	StageChunkPrep:          {StageLinkExtraction},
	StageClassification:     {StageChunkPrep},
	StageMetadataExtraction: {StageClassification},
	StagePartsExtraction:    {StageMetadataExtraction},
	StageSeriesDetection:    {StagePartsExtraction},
	StageStorage:            {StageSeriesDetection},
	StageEmbedding:          {StageStorage},
	StageSearchIndexing:     {StageEmbedding},
}

// Dependencies returns the direct prerequisites of a stage.
func Dependencies(s Stage) []Stage {
	return dependencies[s]
}

// StageNames returns all stage names as strings, for status-row
// initialization.
func StageNames() []string {
	names := make([]string, len(Order))
	for i, s := range Order {
		names[i] = string(s)
	}
	return names
}

// ParseStage validates a caller-supplied stage name.
func ParseStage(name string) (Stage, error) {
	s := Stage(name)
	if _, ok := dependencies[s]; !ok {
		return "", pipeerr.Newf(pipeerr.ErrCodeUnknownStage, nil, "unknown stage %q", name)
	}
	return s, nil
}
