package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

// FileLoader reads uploaded PDF and CSV files from the upload root. Source
// paths are relative to the root; traversal outside it is rejected.
type FileLoader struct {
	root string
}

// NewFileLoader builds a loader rooted at dir.
func NewFileLoader(dir string) (*FileLoader, error) {
	if dir == "" {
		return nil, fmt.Errorf("upload root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload root: %w", err)
	}
	return &FileLoader{root: abs}, nil
}

// Load implements Loader.
func (l *FileLoader) Load(_ context.Context, src ingest.Source) ([]Document, error) {
	full, err := l.resolve(src.Path)
	if err != nil {
		return nil, err
	}
	switch src.Type {
	case ingest.SourcePDF:
		return l.loadPDF(full, src)
	case ingest.SourceCSV:
		return l.loadCSV(full, src)
	default:
		return nil, fmt.Errorf("file loader cannot handle source type %q", src.Type)
	}
}

func (l *FileLoader) resolve(rel string) (string, error) {
	full := filepath.Join(l.root, filepath.Clean("/"+rel))
	if full != l.root && !strings.HasPrefix(full, l.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("path %q escapes the upload root", rel)
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("stat upload: %w", err)
	}
	return full, nil
}

// loadPDF extracts plain text, one document per file.
func (l *FileLoader) loadPDF(full string, src ingest.Source) ([]Document, error) {
	f, reader, err := pdf.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", src.Path, err)
	}
	defer f.Close()

	plain, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text %s: %w", src.Path, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text %s: %w", src.Path, err)
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		return nil, fmt.Errorf("pdf %s has no extractable text", src.Path)
	}
	return []Document{{
		Content: text,
		Metadata: map[string]string{
			"file":  src.Path,
			"pages": fmt.Sprintf("%d", reader.NumPage()),
		},
	}}, nil
}

// loadCSV turns each row into one document of "header: value" lines, the
// shape retrieval works best with for tabular data.
func (l *FileLoader) loadCSV(full string, src ingest.Source) ([]Document, error) {
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", src.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header %s: %w", src.Path, err)
	}

	var docs []Document
	row := 1
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d in %s: %w", row, src.Path, err)
		}
		var b strings.Builder
		for i, val := range record {
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			name := fmt.Sprintf("column_%d", i)
			if i < len(header) {
				name = strings.TrimSpace(header[i])
			}
			fmt.Fprintf(&b, "%s: %s\n", name, val)
		}
		if b.Len() > 0 {
			docs = append(docs, Document{
				Content: b.String(),
				Metadata: map[string]string{
					"file": src.Path,
					"row":  fmt.Sprintf("%d", row),
				},
			})
		}
		row++
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("csv %s has no data rows", src.Path)
	}
	return docs, nil
}
