package gateway

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/basket/deep-research/internal/document"
	"github.com/basket/deep-research/internal/persistence"
)

type documentResponse struct {
	persistence.Document
	CharCount   int `json:"charCount,omitempty"`
	TotalChunks int `json:"totalChunks,omitempty"`
}

// handleUploadDocument accepts a multipart upload in the "file" field,
// extracts its text and stores both.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	// Multipart framing adds a little on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, apiError{
				Error:      "PayloadTooLarge",
				Message:    fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes),
				StatusCode: http.StatusRequestEntityTooLarge,
			})
			return
		}
		writeBadRequest(w, "invalid multipart body: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeBadRequest(w, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeBadRequest(w, "read upload: "+err.Error())
		return
	}
	if int64(len(data)) > s.cfg.MaxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, apiError{
			Error:      "PayloadTooLarge",
			Message:    fmt.Sprintf("upload exceeds %d bytes", s.cfg.MaxUploadBytes),
			StatusCode: http.StatusRequestEntityTooLarge,
		})
		return
	}

	name := filepath.Base(header.Filename)
	mimeType := document.DetectMIME(name, header.Header.Get("Content-Type"), data)
	extracted, err := document.Extract(name, mimeType, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	doc := &persistence.Document{
		OriginalName:  name,
		MIMEType:      mimeType,
		Size:          int64(len(data)),
		ExtractedText: extracted.Text,
		WordCount:     extracted.Metadata.WordCount,
		Filename:      name,
	}
	if err := s.cfg.Store.CreateDocument(r.Context(), doc); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("document uploaded",
		"document_id", doc.ID,
		"mime_type", mimeType,
		"size", doc.Size,
		"words", doc.WordCount,
	)
	writeJSON(w, http.StatusCreated, describe(doc))
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.cfg.Store.ListDocuments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": len(docs)})
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.cfg.Store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(doc))
}

func (s *Server) handleDocumentChunk(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		writeBadRequest(w, "chunk index must be a non-negative integer")
		return
	}
	doc, err := s.cfg.Store.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	chunk, err := document.ChunkAt(doc.ExtractedText, index)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documentId": doc.ID,
		"chunk":      chunk,
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Store.DeleteDocument(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func describe(doc *persistence.Document) documentResponse {
	chunks := document.ChunkText(doc.ExtractedText, document.DefaultMaxChunkSize, document.DefaultOverlapSize)
	return documentResponse{
		Document:    *doc,
		CharCount:   utf8.RuneCountInString(doc.ExtractedText),
		TotalChunks: len(chunks),
	}
}
