package stages

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerr "github.com/fixbase/docpipe/internal/errors"
	"github.com/fixbase/docpipe/internal/extract"
)

func pngArtifact(page int, seed byte) extract.ImageArtifact {
	return extract.ImageArtifact{Page: page, Format: "png", Bytes: []byte{0x89, 'P', 'N', 'G', seed}}
}

func TestImageProcessing_DeduplicatesByHash(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{
		pngArtifact(1, 1),
		pngArtifact(2, 1), // same bytes as page 1
		pngArtifact(3, 2),
	}}

	ctx := context.Background()
	res, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "2", res.Metadata["new_images"])
	assert.Equal(t, "1", res.Metadata["deduplicated"])

	images, err := env.db.GetImages(ctx, env.docID)
	require.NoError(t, err)
	assert.Len(t, images, 2)
}

func TestImageProcessing_OCRFailureIsNotFatal(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{pngArtifact(1, 9)}}
	env.svcs.Vision = &fakeVision{describeErr: assert.AnError}

	res, err := (&ImageProcessing{}).Process(context.Background(), env.pctx)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestImageProcessing_OCRTextStored(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{pngArtifact(1, 9)}}
	env.svcs.Vision = &fakeVision{describeText: "ERROR 50.1"}

	ctx := context.Background()
	_, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	images, err := env.db.GetImages(ctx, env.docID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "ERROR 50.1", images[0].OCRText)
}

func TestVisualEmbedding_CapAndMetadata(t *testing.T) {
	env := newStageEnv(t, "pdf")
	artifacts := make([]extract.ImageArtifact, 8)
	for i := range artifacts {
		artifacts[i] = pngArtifact(i+1, byte(i+10))
	}
	env.svcs.Images = &fakeImageExtractor{artifacts: artifacts}
	vision := &fakeVision{embedVec: make([]float32, 768)}
	env.svcs.Vision = vision
	env.svcs.Config.Vision.MaxImagesPerRun = 3
	env.svcs.Config.Vision.InterCallDelay = time.Millisecond

	ctx := context.Background()
	_, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	res, err := (&VisualEmbedding{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	// A single run embeds at most the cap and reports the remainder.
	assert.Equal(t, "3", res.Metadata["embedded_count"])
	assert.Equal(t, "true", res.Metadata["capped"])
	assert.Equal(t, 3, vision.embedCalls)

	images, err := env.db.GetImages(ctx, env.docID)
	require.NoError(t, err)
	embedded := 0
	for _, img := range images {
		if img.EmbeddingID != "" {
			embedded++
		}
	}
	assert.Equal(t, 3, embedded)

	// Further runs drain the remainder; Done flips once all are embedded.
	for i := 0; i < 2; i++ {
		_, err = (&VisualEmbedding{}).Process(ctx, env.pctx)
		require.NoError(t, err)
	}
	done, err := (&VisualEmbedding{}).Done(ctx, env.pctx)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestVisualEmbedding_PerImageErrorsTolerated(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{pngArtifact(1, 1)}}
	env.svcs.Vision = &fakeVision{embedErr: assert.AnError}

	ctx := context.Background()
	_, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	// With a single image and a failing model the stage fails.
	_, err = (&VisualEmbedding{}).Process(ctx, env.pctx)
	require.Error(t, err)
}

func TestVisualEmbedding_RejectsWrongDimension(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{pngArtifact(1, 1)}}
	env.svcs.Vision = &fakeVision{embedVec: make([]float32, 512)}

	ctx := context.Background()
	_, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	_, err = (&VisualEmbedding{}).Process(ctx, env.pctx)
	require.Error(t, err)
	var pe *pipeerr.PipeError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pipeerr.ErrCodeDimensionMismatch, pe.Code)
	assert.Equal(t, pipeerr.KindPermanent, pe.Kind)

	// The wrong-dimension vector never reaches the store.
	images, err := env.db.GetImages(ctx, env.docID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Empty(t, images[0].EmbeddingID)
}

func TestVisualEmbedding_NoImagesSucceeds(t *testing.T) {
	env := newStageEnv(t, "pdf")
	res, err := (&VisualEmbedding{}).Process(context.Background(), env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "0", res.Metadata["embedded_count"])
}

func TestSVGProcessing_RendersVectors(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{
		{Page: 1, Format: "svg", Bytes: []byte("<svg/>")},
		pngArtifact(2, 7),
	}}
	env.svcs.SVG = fakeSVGRenderer{}

	res, err := (&SVGProcessing{}).Process(context.Background(), env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Metadata["svg_count"])
	assert.Equal(t, "2", res.Metadata["artifact_count"])

	artifacts, ok := res.Data.([]extract.ImageArtifact)
	require.True(t, ok)
	assert.Equal(t, "png", artifacts[0].Format)
	assert.Equal(t, 1, artifacts[0].Page)
}

type fakeSVGRenderer struct{}

func (fakeSVGRenderer) Render(ctx context.Context, svg []byte) (*extract.ImageArtifact, error) {
	return &extract.ImageArtifact{Format: "png", Bytes: append([]byte("raster:"), svg...)}, nil
}
