package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/store"
)

func markPartsCatalog(t *testing.T, env *stageEnv) {
	t.Helper()
	require.NoError(t, env.db.UpdateDocumentClassification(
		context.Background(), env.docID, store.DocTypePartsCatalog, "",
		store.PriorityForType(store.DocTypePartsCatalog)))
}

func TestPartsExtraction_SkipsNonCatalogs(t *testing.T) {
	env := newStageEnv(t, "pdf")
	seedChunks(t, env, "Fuser assembly RM1-2345-000CN replaces the old unit.")

	res, err := (&PartsExtraction{}).Process(context.Background(), env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "0", res.Metadata["part_count"])
	assert.Equal(t, "not_parts_catalog", res.Metadata["skipped"])

	parts, err := env.db.GetParts(context.Background(), env.docID)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestPartsExtraction_TableRowsWinOverProse(t *testing.T) {
	env := newStageEnv(t, "pdf")
	markPartsCatalog(t, env)

	ctx := context.Background()
	require.NoError(t, env.db.SaveStructuredTables(ctx, []*store.StructuredTable{{
		DocumentID:  env.docID,
		Page:        3,
		IndexOnPage: 0,
		Rows: [][]string{
			{"Part number", "Description"},
			{"RM1-2345-000CN", "Fuser assembly 110V"},
			{"RG5-5567", "Pickup roller"},
		},
	}}))
	// Prose repeats one table part and adds a consumable.
	seedChunks(t, env,
		"Order RM1-2345-000CN when the fuser film tears.",
		"The Q7551A cartridge yields 6,500 pages.")

	res, err := (&PartsExtraction{}).Process(ctx, env.pctx)
	require.NoError(t, err)
	assert.Equal(t, "3", res.Metadata["part_count"])

	parts, err := env.db.GetParts(ctx, env.docID)
	require.NoError(t, err)
	byNumber := make(map[string]*store.Part)
	for _, p := range parts {
		byNumber[p.PartNumber] = p
	}
	require.Len(t, byNumber, 3)

	fuser := byNumber["RM1-2345-000CN"]
	require.NotNil(t, fuser)
	assert.Equal(t, "Fuser assembly 110V", fuser.Description)
	assert.Equal(t, 0.9, fuser.Confidence)

	cartridge := byNumber["Q7551A"]
	require.NotNil(t, cartridge)
	assert.Equal(t, 0.7, cartridge.Confidence)
	assert.Contains(t, cartridge.Description, "6,500 pages")

	ok, err := (&PartsExtraction{}).Done(ctx, env.pctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPartsExtraction_RerunLeavesOneRowPerNumber(t *testing.T) {
	env := newStageEnv(t, "pdf")
	markPartsCatalog(t, env)
	seedChunks(t, env, "Pickup roller RG5-5567 wears out first.")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := (&PartsExtraction{}).Process(ctx, env.pctx)
		require.NoError(t, err)
	}

	parts, err := env.db.GetParts(ctx, env.docID)
	require.NoError(t, err)
	assert.Len(t, parts, 1)
}
