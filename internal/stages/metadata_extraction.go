package stages

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

// codePattern is one manufacturer's error-code shape. Patterns are applied
// only for the document's classified manufacturer; unclassified documents
// are scanned with every pattern at reduced confidence.
type codePattern struct {
	manufacturer string
	re           *regexp.Regexp
}

var codePatterns = []codePattern{
	{"HP", regexp.MustCompile(`\b\d{2}\.\d{2,3}\.\d{2}\b`)},
	{"Canon", regexp.MustCompile(`\bE\d{3,4}\b`)},
	{"Xerox", regexp.MustCompile(`\b\d{3}-\d{3}\b`)},
	{"Ricoh", regexp.MustCompile(`\bSC\d{3,4}\b`)},
	{"Kyocera", regexp.MustCompile(`\bC\d{4}\b`)},
	{"Brother", regexp.MustCompile(`\b(?:E|TS)-?\d{2,3}\b`)},
}

const (
	patternConfidence   = 0.9
	unscopedConfidence  = 0.65
	minCodeConfidence   = 0.6
	maxVisionImages     = 10
	hpTechnicianMarker  = "onsite technicians"
	hpAudienceSeparator = "for callcenter agents"
)

// candidate is an error code observed by either source before merging.
type candidate struct {
	code        string
	description string
	solution    string
	confidence  float64
	fromVision  bool
}

// MetadataExtraction mines error codes from document text with
// manufacturer-specific patterns, optionally augmented by the vision model
// reading error-screen images. Pattern and vision hits on the same code are
// coalesced; higher confidence wins, the pattern source wins ties.
type MetadataExtraction struct{}

func (*MetadataExtraction) Stage() pipeline.Stage { return pipeline.StageMetadataExtraction }

func (*MetadataExtraction) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	counts, err := pctx.Services.DB.GetDocumentCounts(ctx, pctx.DocumentID)
	if err != nil {
		return false, err
	}
	return counts.ErrorCodes > 0, nil
}

func (*MetadataExtraction) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	svcs := pctx.Services

	doc, err := svcs.DB.GetDocument(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	manufacturer := ""
	if doc.ManufacturerID != "" {
		m, merr := svcs.DB.GetManufacturer(ctx, doc.ManufacturerID)
		if merr != nil {
			return nil, merr
		}
		if m != nil {
			manufacturer = m.Name
		}
	}

	chunks, err := svcs.DB.GetContentChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]*candidate)
	patternHits := 0
	for _, c := range chunks {
		for _, cand := range scanChunk(c.Text, manufacturer) {
			patternHits++
			mergeCandidate(merged, cand)
		}
	}

	visionHits := 0
	if svcs.Vision != nil {
		n, verr := scanImages(ctx, pctx, merged)
		if verr != nil {
			slog.Warn("vision_error_code_scan_failed",
				slog.String("document_id", pctx.DocumentID),
				slog.String("error", verr.Error()))
		}
		visionHits = n
	}

	saved := 0
	for _, cand := range merged {
		if cand.confidence < minCodeConfidence {
			continue
		}
		solution := cand.solution
		if manufacturer == "HP" {
			solution = filterHPTechnicianSection(solution)
		}
		_, _, uerr := svcs.DB.UpsertErrorCode(ctx, &store.ErrorCode{
			Code:           cand.code,
			ManufacturerID: doc.ManufacturerID,
			DocumentID:     pctx.DocumentID,
			Description:    cand.description,
			Solution:       solution,
			Confidence:     cand.confidence,
			AIExtracted:    cand.fromVision,
		})
		if uerr != nil {
			return nil, uerr
		}
		saved++
	}

	return success(map[string]string{
		"error_code_count": strconv.Itoa(saved),
		"pattern_hits":     strconv.Itoa(patternHits),
		"vision_hits":      strconv.Itoa(visionHits),
	}), nil
}

// scanChunk applies the pattern registry to one chunk. With a known
// manufacturer only its patterns run at full confidence; otherwise every
// pattern runs at reduced confidence.
func scanChunk(text, manufacturer string) []*candidate {
	var out []*candidate
	for _, p := range codePatterns {
		confidence := patternConfidence
		if manufacturer != "" {
			if p.manufacturer != manufacturer {
				continue
			}
		} else {
			confidence = unscopedConfidence
		}
		for _, code := range p.re.FindAllString(text, -1) {
			out = append(out, &candidate{
				code:        code,
				description: codeContext(text, code),
				confidence:  confidence,
			})
		}
	}
	return out
}

// scanImages asks the vision model to read error codes off each stored
// image, bounded so a scan-heavy manual does not stall the stage.
func scanImages(ctx context.Context, pctx *pipeline.ProcessingContext, merged map[string]*candidate) (int, error) {
	assets, err := pendingImageAssetsForVision(ctx, pctx)
	if err != nil {
		return 0, err
	}
	if len(assets) > maxVisionImages {
		assets = assets[:maxVisionImages]
	}

	hits := 0
	for _, asset := range assets {
		codes, verr := pctx.Services.Vision.ExtractErrorCodes(ctx, asset.Bytes)
		if verr != nil {
			return hits, verr
		}
		for _, hit := range codes {
			hits++
			mergeCandidate(merged, &candidate{
				code:        hit.Code,
				description: hit.Description,
				solution:    hit.Solution,
				confidence:  hit.Confidence,
				fromVision:  true,
			})
		}
	}
	return hits, nil
}

func pendingImageAssetsForVision(ctx context.Context, pctx *pipeline.ProcessingContext) ([]imageAsset, error) {
	if prior := pctx.Result(pipeline.StageImageProcessing); prior != nil {
		if a, ok := prior.Data.([]imageAsset); ok {
			return a, nil
		}
	}
	return reextractImageAssets(ctx, pctx)
}

// mergeCandidate coalesces a new observation into the merged set. Higher
// confidence replaces lower; on equal confidence the pattern source is
// kept over vision. Missing description/solution fields are filled from
// the losing observation.
func mergeCandidate(merged map[string]*candidate, cand *candidate) {
	existing, ok := merged[cand.code]
	if !ok {
		merged[cand.code] = cand
		return
	}

	keep, other := existing, cand
	if cand.confidence > existing.confidence ||
		(cand.confidence == existing.confidence && existing.fromVision && !cand.fromVision) {
		keep, other = cand, existing
		merged[cand.code] = cand
	}
	if keep.description == "" {
		keep.description = other.description
	}
	if keep.solution == "" {
		keep.solution = other.solution
	}
}

// codeContext returns the sentence-ish neighborhood around the first
// occurrence of the code, as a description seed.
func codeContext(text, code string) string {
	idx := strings.Index(text, code)
	if idx < 0 {
		return ""
	}
	start := idx
	for start > 0 && start > idx-120 && text[start-1] != '\n' {
		start--
	}
	end := idx + len(code)
	for end < len(text) && end < idx+len(code)+160 && text[end] != '\n' {
		end++
	}
	return strings.TrimSpace(text[start:end])
}

// filterHPTechnicianSection reduces a three-audience HP solution block to
// the onsite-technician section when the markers are present. HP bulletins
// repeat instructions for call-center agents, self-service users and
// technicians; only the technician steps belong in the knowledge base.
func filterHPTechnicianSection(solution string) string {
	lower := strings.ToLower(solution)
	start := strings.Index(lower, hpTechnicianMarker)
	if start < 0 {
		return solution
	}
	section := solution[start+len(hpTechnicianMarker):]
	if end := strings.Index(strings.ToLower(section), hpAudienceSeparator); end >= 0 {
		section = section[:end]
	}
	section = strings.TrimLeft(section, ":- \n\t")
	return strings.TrimSpace(section)
}
