package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

func TestFileLoaderCSVRowsBecomeDocuments(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "products.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte(
		"name,price,notes\nwidget,9.99,best seller\ngadget,19.99,\n"), 0o644))

	l, err := NewFileLoader(dir)
	require.NoError(t, err)

	docs, err := l.Load(context.Background(), ingest.Source{Type: ingest.SourceCSV, Path: "products.csv"})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Contains(t, docs[0].Content, "name: widget")
	require.Contains(t, docs[0].Content, "price: 9.99")
	require.Contains(t, docs[0].Content, "notes: best seller")
	require.Equal(t, "1", docs[0].Metadata["row"])
	// Empty cells are omitted instead of producing "notes: ".
	require.NotContains(t, docs[1].Content, "notes")
}

func TestFileLoaderRejectsTraversal(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	outside := filepath.Join(filepath.Dir(dir), "secret.csv")
	require.NoError(t, os.WriteFile(outside, []byte("a\n1\n"), 0o644))
	defer os.Remove(outside)

	l, err := NewFileLoader(dir)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), ingest.Source{Type: ingest.SourceCSV, Path: "../secret.csv"})
	require.Error(t, err)
}

func TestFileLoaderMissingFile(t *testing.T) {
	t.Parallel()

	l, err := NewFileLoader(t.TempDir())
	require.NoError(t, err)

	_, err = l.Load(context.Background(), ingest.Source{Type: ingest.SourceCSV, Path: "nope.csv"})
	require.ErrorContains(t, err, "stat upload")
}

func TestFileLoaderEmptyCSV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.csv"), []byte("a,b\n"), 0o644))

	l, err := NewFileLoader(dir)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), ingest.Source{Type: ingest.SourceCSV, Path: "empty.csv"})
	require.ErrorContains(t, err, "no data rows")
}

func TestFileLoaderWrongType(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "page.csv"), []byte("a\n1\n"), 0o644))

	l, err := NewFileLoader(dir)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), ingest.Source{Type: ingest.SourceWeb, Path: "page.csv"})
	require.ErrorContains(t, err, "cannot handle source type")
}
