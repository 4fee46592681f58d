package segment

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteAndReadRoundTrip(t *testing.T) {
	b := NewBuilder()
	b.AddDocument("gurt://example.gurt/a", "Example A", "fox jumps over the dog", []PostingTerm{
		{Term: "fox", Position: 0}, {Term: "jump", Position: 1}, {Term: "dog", Position: 4},
	})
	b.AddDocument("gurt://example.gurt/b", "Example B", "the quick fox runs", []PostingTerm{
		{Term: "quick", Position: 1}, {Term: "fox", Position: 2}, {Term: "run", Position: 3},
	})

	var buf bytes.Buffer
	n, err := b.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, int64(buf.Len()), n)

	r, err := OpenBytes(buf.Bytes())
	require.NoError(t, err)

	postings, ok := r.Postings("fox")
	require.True(t, ok)
	require.Len(t, postings, 2)
	require.Equal(t, uint32(0), postings[0].DocID)
	require.Equal(t, uint32(1), postings[1].DocID)
	require.Equal(t, 2, r.DocFreq("fox"))
	require.Equal(t, 0, r.DocFreq("absent"))

	doc, ok := r.Doc(0)
	require.True(t, ok)
	require.Equal(t, "gurt://example.gurt/a", doc.URL)
	require.Equal(t, "fox jumps over the dog", doc.Text)
	require.Equal(t, uint32(3), doc.Length)
}

func TestOpenBytesRejectsBadMagic(t *testing.T) {
	data := make([]byte, 60)
	_, err := OpenBytes(data)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenBytesRejectsCorruptFooter(t *testing.T) {
	b := NewBuilder()
	b.AddDocument("gurt://x.gurt/", "X", "hello world", []PostingTerm{
		{Term: "hello", Position: 0}, {Term: "world", Position: 1},
	})
	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)

	corrupted := buf.Bytes()
	corrupted[len(corrupted)-45] ^= 0xFF

	_, err = OpenBytes(corrupted)
	require.ErrorIs(t, err, ErrCorruptFooter)
}

func TestRefCounting(t *testing.T) {
	b := NewBuilder()
	b.AddDocument("gurt://x.gurt/", "X", "hello", []PostingTerm{{Term: "hello", Position: 0}})
	var buf bytes.Buffer
	_, err := b.WriteTo(&buf)
	require.NoError(t, err)

	r, err := OpenBytes(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, int64(1), r.RefCount())
	r.Acquire()
	require.Equal(t, int64(2), r.RefCount())
	require.Equal(t, int64(1), r.Release())
}
