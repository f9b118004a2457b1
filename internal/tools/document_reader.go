package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/deep-research/internal/document"
	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
)

// summaryLength is the number of characters returned when a summary is asked for.
const summaryLength = 2000

// DocumentStore is the read side of document persistence.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (*persistence.Document, error)
}

type DocumentReaderInput struct {
	DocumentID     string `json:"documentId"`
	ExtractSummary bool   `json:"extractSummary,omitempty"`
	ChunkIndex     *int   `json:"chunkIndex,omitempty"`
}

type DocumentReadMetadata struct {
	FullLength      int       `json:"fullLength"`
	IsTruncated     bool      `json:"isTruncated"`
	TruncatedLength int       `json:"truncatedLength"`
	UploadedAt      time.Time `json:"uploadedAt"`
	ChunkIndex      *int      `json:"chunkIndex,omitempty"`
	TotalChunks     int       `json:"totalChunks,omitempty"`
	WordCount       int       `json:"wordCount"`
}

type DocumentReaderOutput struct {
	DocumentID string               `json:"documentId"`
	Filename   string               `json:"filename"`
	MimeType   string               `json:"mimeType"`
	Size       int64                `json:"size"`
	Content    string               `json:"content"`
	Metadata   DocumentReadMetadata `json:"metadata"`
}

func (r *Registry) readDocument(ctx context.Context, in DocumentReaderInput) (DocumentReaderOutput, error) {
	id := strings.TrimSpace(in.DocumentID)
	if id == "" {
		return DocumentReaderOutput{}, &ToolError{Message: "documentId is required", Suggestion: "Pass the id of an uploaded document."}
	}
	if r.Documents == nil {
		return DocumentReaderOutput{}, &ToolError{Message: "document storage is not available", DocumentID: id}
	}
	doc, err := r.Documents.GetDocument(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrDocumentNotFound) {
			return DocumentReaderOutput{}, &ToolError{
				Message:    fmt.Sprintf("Document with ID %q not found.", id),
				DocumentID: id,
				Suggestion: "Check that the document ID is correct and the document has been uploaded.",
				Err:        err,
			}
		}
		return DocumentReaderOutput{}, &ToolError{Message: err.Error(), DocumentID: id, Err: err}
	}
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return DocumentReaderOutput{}, &ToolError{
			Message:    fmt.Sprintf("Document %q has no extracted text.", doc.OriginalName),
			DocumentID: id,
			Suggestion: "The text extraction may have failed during upload, or the document type may not be supported.",
		}
	}

	text := doc.ExtractedText
	fullLength := utf8.RuneCountInString(text)
	out := DocumentReaderOutput{
		DocumentID: doc.ID,
		Filename:   doc.OriginalName,
		MimeType:   doc.MIMEType,
		Size:       doc.Size,
		Metadata: DocumentReadMetadata{
			FullLength:      fullLength,
			TruncatedLength: fullLength,
			UploadedAt:      doc.CreatedAt,
			WordCount:       doc.WordCount,
		},
	}

	switch {
	case in.ChunkIndex != nil:
		chunk, err := document.ChunkAt(text, *in.ChunkIndex)
		if err != nil {
			total := len(document.ChunkText(text, document.DefaultMaxChunkSize, document.DefaultOverlapSize))
			return DocumentReaderOutput{}, &ToolError{
				Message:    fmt.Sprintf("chunk %d is out of range for document %q", *in.ChunkIndex, doc.OriginalName),
				DocumentID: id,
				Suggestion: fmt.Sprintf("Use a chunkIndex between 0 and %d.", total-1),
				Err:        err,
			}
		}
		idx := chunk.Index
		out.Content = chunk.Text
		out.Metadata.ChunkIndex = &idx
		out.Metadata.TotalChunks = chunk.TotalChunks
		out.Metadata.TruncatedLength = chunk.CharCount
		out.Metadata.IsTruncated = chunk.TotalChunks > 1
	case in.ExtractSummary && fullLength > summaryLength:
		out.Content = string([]rune(text)[:summaryLength])
		out.Metadata.IsTruncated = true
		out.Metadata.TruncatedLength = summaryLength
	default:
		out.Content = text
	}
	r.logger.Info("document_reader tool called", "document_id", id, "chars", fullLength, "truncated", out.Metadata.IsTruncated)
	return out, nil
}
