package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/pipeline"
	"github.com/fixbase/docpipe/internal/store"
)

func classifyUnder(t *testing.T, env *stageEnv, manufacturer string) string {
	t.Helper()
	m, err := env.db.FindOrCreateManufacturer(context.Background(), manufacturer)
	require.NoError(t, err)
	require.NoError(t, env.db.UpdateDocumentClassification(
		context.Background(), env.docID, store.DocTypeServiceManual, m.ID,
		store.PriorityForType(store.DocTypeServiceManual)))
	return m.ID
}

func TestSeriesDetection_NormalizesAndDeduplicates(t *testing.T) {
	env := newStageEnv(t, "pdf")
	mID := classifyUnder(t, env, "HP")
	seedChunks(t, env,
		"The HP LaserJet 4200 shares its fuser with the LASERJET 4200 duplex model.",
		"Firmware also applies to the LaserJet Pro M404 line.")

	ctx := context.Background()
	res, err := (&SeriesDetection{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "2", res.Metadata["series_count"])

	series, err := env.db.ListSeriesByManufacturer(ctx, mID)
	require.NoError(t, err)
	names := make([]string, len(series))
	for i, s := range series {
		names[i] = s.Name
	}
	assert.ElementsMatch(t, []string{"LaserJet 4200", "LaserJet M404"}, names)
}

func TestSeriesDetection_SkipsUnclassifiedDocuments(t *testing.T) {
	env := newStageEnv(t, "pdf")
	seedChunks(t, env, "The LaserJet 4200 would match if a manufacturer were known.")

	res, err := (&SeriesDetection{}).Process(context.Background(), env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "0", res.Metadata["series_count"])
	assert.Equal(t, "no_manufacturer", res.Metadata["skipped"])
}

func TestSeriesDetection_CrossLinksVideos(t *testing.T) {
	env := newStageEnv(t, "pdf")
	mID := classifyUnder(t, env, "HP")
	seedChunks(t, env,
		"LaserJet 4200 maintenance video: https://www.youtube.com/watch?v=jam4200fix")

	ctx := context.Background()
	_, err := (&LinkExtraction{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	res, err := (&SeriesDetection{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Metadata["linked_videos"])

	links, err := env.db.GetLinks(ctx, env.docID)
	require.NoError(t, err)
	require.Len(t, links, 1)
	require.NotEmpty(t, links[0].VideoID)

	video, err := env.db.GetVideo(ctx, links[0].VideoID)
	require.NoError(t, err)
	require.NotNil(t, video)
	assert.Contains(t, video.ManufacturerIDs, mID)
	require.Len(t, video.SeriesIDs, 1)

	// A second document citing the same video under another manufacturer
	// accumulates references instead of replacing them.
	doc2ID, _, err := env.db.UpsertDocumentByHash(ctx, contentHash("doc two"), &store.Document{
		ContentHash: contentHash("doc two"),
		Filename:    "canon-overlap.pdf",
		SizeBytes:   7,
	})
	require.NoError(t, err)
	canon, err := env.db.FindOrCreateManufacturer(ctx, "Canon")
	require.NoError(t, err)
	require.NoError(t, env.db.UpdateDocumentClassification(
		ctx, doc2ID, store.DocTypeServiceManual, canon.ID,
		store.PriorityForType(store.DocTypeServiceManual)))
	require.NoError(t, env.db.SaveContentChunks(ctx, []*store.ContentChunk{{
		DocumentID: doc2ID,
		Ordinal:    0,
		PageStart:  1,
		PageEnd:    1,
		ChunkType:  "paragraph",
		Text:       "Same clip helps here too: https://www.youtube.com/watch?v=jam4200fix",
		Confidence: 1,
		Language:   "en",
	}}))

	pctx2 := pipeline.NewProcessingContext(doc2ID, env.pctx.FileRef, env.svcs)
	_, err = (&LinkExtraction{}).Process(ctx, pctx2)
	require.NoError(t, err)
	_, err = (&SeriesDetection{}).Process(ctx, pctx2)
	require.NoError(t, err)

	video, err = env.db.GetVideo(ctx, links[0].VideoID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{mID, canon.ID}, video.ManufacturerIDs)
}

func TestNormalizeSeriesName(t *testing.T) {
	assert.Equal(t, "LaserJet 4200", normalizeSeriesName("laserjet 4200"))
	assert.Equal(t, "imageRUNNER 2530", normalizeSeriesName("IMAGERUNNER 2530"))
	assert.Equal(t, "WorkCentre 5855", normalizeSeriesName("workcentre 5855"))
	assert.Equal(t, "TASKalfa 3253", normalizeSeriesName("TaskAlfa 3253"))
}
