package chunk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fixbase/docpipe/internal/store"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Error code 13.20.01", "error code 13.20.01"},
		{"ERROR CODE 13.20.01", "error code 13.20.01"},
		{"Error   code \t 13.20.01", "error code 13.20.01"},
		{"  leading and trailing  ", "leading and trailing"},
		{"line\nbreaks\r\ncollapse", "line breaks collapse"},
		{"", ""},
		{"   \t\n  ", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Normalize(tc.in), "input %q", tc.in)
	}
}

func TestFingerprint_EqualAfterNormalization(t *testing.T) {
	// The three spellings from a real service manual scan
	a := Fingerprint("Error code 13.20.01")
	b := Fingerprint("ERROR CODE 13.20.01")
	c := Fingerprint("Error   code   13.20.01")

	assert.Equal(t, a, b)
	assert.Equal(t, a, c)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, Fingerprint("Error code 13.20.02"))
}

func TestPrepare_DedupWithinDocument(t *testing.T) {
	raw := []*store.ContentChunk{
		{ID: "c1", Ordinal: 0, PageStart: 1, PageEnd: 1, ChunkType: "paragraph", Text: "Error code 13.20.01", Language: "en"},
		{ID: "c2", Ordinal: 1, PageStart: 5, PageEnd: 5, ChunkType: "paragraph", Text: "ERROR CODE 13.20.01", Language: "en"},
		{ID: "c3", Ordinal: 2, PageStart: 9, PageEnd: 9, ChunkType: "paragraph", Text: "Error   code   13.20.01", Language: "en"},
		{ID: "c4", Ordinal: 3, PageStart: 10, PageEnd: 10, ChunkType: "heading", Text: "Jam removal", Language: "en"},
	}

	chunks := Prepare("doc-1", raw)
	require.Len(t, chunks, 2)

	// First occurrence wins
	assert.Equal(t, "c1", chunks[0].SourceChunkID)
	assert.Equal(t, Fingerprint("error code 13.20.01"), chunks[0].Fingerprint)
	assert.Equal(t, store.ChunkPending, chunks[0].Status)
	assert.Equal(t, "0", chunks[0].Metadata["source_ordinal"])

	assert.Equal(t, "c4", chunks[1].SourceChunkID)
}

func TestPrepare_SkipsEmptyAndImageOnly(t *testing.T) {
	raw := []*store.ContentChunk{
		{ID: "c1", Ordinal: 0, Text: "", ImageOnly: true},
		{ID: "c2", Ordinal: 1, Text: "   \n\t "},
		{ID: "c3", Ordinal: 2, Text: "real content", ChunkType: "paragraph"},
	}

	chunks := Prepare("doc-1", raw)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c3", chunks[0].SourceChunkID)
}

func TestPrepare_SameTextAcrossDocumentsKept(t *testing.T) {
	raw := []*store.ContentChunk{
		{ID: "c1", Ordinal: 0, Text: "shared boilerplate"},
	}
	a := Prepare("doc-1", raw)
	b := Prepare("doc-2", raw)
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Fingerprint, b[0].Fingerprint)
	assert.NotEqual(t, a[0].DocumentID, b[0].DocumentID)
}
