package stages

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/fixbase/docpipe/internal/pipeline"
)

// seriesPatterns match product-line names in document text, keyed by the
// family word so "LaserJet 4200" and "LaserJet 4200n" collapse to one
// series.
var seriesPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(LaserJet|OfficeJet|DeskJet|DesignJet|PageWide)\s+(?:Pro\s+|Enterprise\s+)?([A-Z]?\d{3,4})`),
	regexp.MustCompile(`(?i)\b(imageRUNNER|imageCLASS|imagePRESS)\s+(?:ADVANCE\s+)?([A-Z]?\d{3,4})`),
	regexp.MustCompile(`(?i)\b(WorkCentre|VersaLink|AltaLink|Phaser)\s+([A-Z]?\d{3,4})`),
	regexp.MustCompile(`(?i)\b(Aficio|IM)\s+([A-Z]?\d{3,4})`),
	regexp.MustCompile(`(?i)\b(ECOSYS|TASKalfa)\s+([A-Z]?\d{3,4}[a-z]*)`),
}

// SeriesDetection finds product series mentioned in the document, attaches
// them to the classified manufacturer, and cross-links the document's
// videos to the manufacturer and detected series so video rows accumulate
// references from every document that cites them.
type SeriesDetection struct{}

func (*SeriesDetection) Stage() pipeline.Stage { return pipeline.StageSeriesDetection }

func (*SeriesDetection) Done(ctx context.Context, pctx *pipeline.ProcessingContext) (bool, error) {
	return false, nil
}

func (*SeriesDetection) Process(ctx context.Context, pctx *pipeline.ProcessingContext) (*pipeline.ProcessingResult, error) {
	db := pctx.Services.DB

	doc, err := db.GetDocument(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.ManufacturerID == "" {
		return success(map[string]string{"series_count": "0", "skipped": "no_manufacturer"}), nil
	}

	chunks, err := db.GetContentChunks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}

	found := make(map[string]bool)
	var seriesIDs []string
	for _, c := range chunks {
		for _, p := range seriesPatterns {
			for _, m := range p.FindAllStringSubmatch(c.Text, -1) {
				name := normalizeSeriesName(m[1] + " " + m[2])
				if found[name] {
					continue
				}
				found[name] = true
				series, serr := db.FindOrCreateSeries(ctx, doc.ManufacturerID, name)
				if serr != nil {
					return nil, serr
				}
				seriesIDs = append(seriesIDs, series.ID)
			}
		}
	}

	// Cross-link videos discovered by link_extraction now that the
	// manufacturer and series are known.
	links, err := db.GetLinks(ctx, pctx.DocumentID)
	if err != nil {
		return nil, err
	}
	linkedVideos := 0
	for _, l := range links {
		if l.VideoID == "" {
			continue
		}
		if err := db.LinkVideoToManufacturer(ctx, l.VideoID, doc.ManufacturerID); err != nil {
			return nil, err
		}
		for _, sid := range seriesIDs {
			if err := db.LinkVideoToSeries(ctx, l.VideoID, sid); err != nil {
				return nil, err
			}
		}
		linkedVideos++
	}

	return success(map[string]string{
		"series_count":  strconv.Itoa(len(seriesIDs)),
		"linked_videos": strconv.Itoa(linkedVideos),
	}), nil
}

// normalizeSeriesName canonicalizes spacing and family-word casing so the
// (manufacturer_id, name) unique key deduplicates reliably.
func normalizeSeriesName(name string) string {
	fields := strings.Fields(name)
	for i, f := range fields {
		switch lower := strings.ToLower(f); lower {
		case "laserjet":
			fields[i] = "LaserJet"
		case "officejet":
			fields[i] = "OfficeJet"
		case "deskjet":
			fields[i] = "DeskJet"
		case "designjet":
			fields[i] = "DesignJet"
		case "pagewide":
			fields[i] = "PageWide"
		case "imagerunner":
			fields[i] = "imageRUNNER"
		case "imageclass":
			fields[i] = "imageCLASS"
		case "imagepress":
			fields[i] = "imagePRESS"
		case "workcentre":
			fields[i] = "WorkCentre"
		case "versalink":
			fields[i] = "VersaLink"
		case "altalink":
			fields[i] = "AltaLink"
		case "phaser":
			fields[i] = "Phaser"
		case "aficio":
			fields[i] = "Aficio"
		case "ecosys":
			fields[i] = "ECOSYS"
		case "taskalfa":
			fields[i] = "TASKalfa"
		default:
			fields[i] = strings.ToUpper(f)
		}
	}
	return strings.Join(fields, " ")
}
