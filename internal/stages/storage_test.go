package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/blob"
	"github.com/fixbase/docpipe/internal/extract"
)

func TestStorage_UploadsDocumentAndImages(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{
		pngArtifact(1, 1),
		pngArtifact(2, 2),
	}}

	ctx := context.Background()
	_, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	ok, err := (&Storage{}).Done(ctx, env.pctx)
	require.NoError(t, err)
	assert.False(t, ok)

	res, err := (&Storage{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Metadata["uploaded_count"])

	doc, err := env.db.GetDocument(ctx, env.docID)
	require.NoError(t, err)
	exists, err := env.svcs.Blob.Exists(ctx, blob.DocumentKey(env.docID, doc.Filename))
	require.NoError(t, err)
	assert.True(t, exists)

	images, err := env.db.GetImages(ctx, env.docID)
	require.NoError(t, err)
	require.Len(t, images, 2)
	for _, img := range images {
		require.NotEmpty(t, img.StorageKey)
		assert.Equal(t, blob.ImageKey(img.FileHash, img.Format), img.StorageKey)
		data, gerr := env.svcs.Blob.Get(ctx, img.StorageKey)
		require.NoError(t, gerr)
		assert.NotEmpty(t, data)
	}

	ok, err = (&Storage{}).Done(ctx, env.pctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStorage_RerunUploadsOnlyDocument(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Images = &fakeImageExtractor{artifacts: []extract.ImageArtifact{pngArtifact(1, 1)}}

	ctx := context.Background()
	_, err := (&ImageProcessing{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	_, err = (&Storage{}).Process(ctx, env.pctx)
	require.NoError(t, err)

	// Image rows now carry storage keys, so a resume re-puts only the
	// source document.
	res, err := (&Storage{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "1", res.Metadata["uploaded_count"])
}

func TestStorage_NoBlobStoreSkips(t *testing.T) {
	env := newStageEnv(t, "pdf")
	env.svcs.Blob = nil

	res, err := (&Storage{}).Process(context.Background(), env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "no_blob_store", res.Metadata["skipped"])
}
