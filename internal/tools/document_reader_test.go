package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
)

type fakeDocuments map[string]*persistence.Document

func (f fakeDocuments) GetDocument(_ context.Context, id string) (*persistence.Document, error) {
	if d, ok := f[id]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("document %s: %w", id, shared.ErrDocumentNotFound)
}

func registryWithDocs(t *testing.T, docs fakeDocuments) *Registry {
	t.Helper()
	r, err := NewRegistry(Config{}, docs, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return r
}

func TestDocumentReader_FullAndSummary(t *testing.T) {
	text := strings.Repeat("a", 2500)
	r := registryWithDocs(t, fakeDocuments{
		"doc-1": {ID: "doc-1", OriginalName: "paper.pdf", MIMEType: "application/pdf", ExtractedText: text, CreatedAt: time.Now()},
	})

	full, err := r.readDocument(context.Background(), DocumentReaderInput{DocumentID: "doc-1"})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(full.Content) != 2500 || full.Metadata.IsTruncated {
		t.Fatalf("full read = %d chars truncated=%v", len(full.Content), full.Metadata.IsTruncated)
	}

	sum, err := r.readDocument(context.Background(), DocumentReaderInput{DocumentID: "doc-1", ExtractSummary: true})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(sum.Content) != summaryLength || !sum.Metadata.IsTruncated || sum.Metadata.FullLength != 2500 {
		t.Fatalf("summary = %d chars, meta %+v", len(sum.Content), sum.Metadata)
	}
}

func TestDocumentReader_Chunks(t *testing.T) {
	text := strings.Repeat("b", 8000)
	r := registryWithDocs(t, fakeDocuments{"doc-2": {ID: "doc-2", OriginalName: "long.txt", ExtractedText: text}})

	idx := 1
	out, err := r.readDocument(context.Background(), DocumentReaderInput{DocumentID: "doc-2", ChunkIndex: &idx})
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if out.Metadata.TotalChunks != 3 || *out.Metadata.ChunkIndex != 1 || len(out.Content) != 4000 {
		t.Fatalf("chunk meta = %+v len=%d", out.Metadata, len(out.Content))
	}

	bad := 7
	_, err = r.readDocument(context.Background(), DocumentReaderInput{DocumentID: "doc-2", ChunkIndex: &bad})
	if !errors.Is(err, shared.ErrChunkIndexOutOfRange) {
		t.Fatalf("expected ErrChunkIndexOutOfRange, got %v", err)
	}
	var te *ToolError
	if !errors.As(err, &te) || !strings.Contains(te.Suggestion, "between 0 and 2") {
		t.Fatalf("suggestion = %+v", te)
	}
}

func TestDocumentReader_ErrorsViaExecute(t *testing.T) {
	r := registryWithDocs(t, fakeDocuments{
		"empty": {ID: "empty", OriginalName: "scan.pdf"},
	})

	tests := []struct {
		name, input, wantErr string
	}{
		{"missing", `{"documentId":"ghost"}`, "not found"},
		{"no text", `{"documentId":"empty"}`, "no extracted text"},
		{"no id", `{}`, "documentId is required"},
		{"bad json", `{"documentId":`, "invalid tool input"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out, isErr := r.Execute(context.Background(), DocumentReader, json.RawMessage(tc.input))
			if !isErr {
				t.Fatalf("expected isError, got %s", out)
			}
			var payload ToolError
			if err := json.Unmarshal(out, &payload); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !strings.Contains(payload.Message, tc.wantErr) {
				t.Fatalf("error = %q, want %q", payload.Message, tc.wantErr)
			}
		})
	}

	out, _ := r.Execute(context.Background(), DocumentReader, json.RawMessage(`{"documentId":"ghost"}`))
	var payload ToolError
	_ = json.Unmarshal(out, &payload)
	if payload.DocumentID != "ghost" || payload.Suggestion == "" {
		t.Fatalf("payload = %+v", payload)
	}
}
