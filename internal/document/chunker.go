// Package document extracts text from uploaded files and splits long text
// into overlapping windows sized for a single tool call.
package document

import (
	"fmt"
	"strings"

	"github.com/basket/deep-research/internal/shared"
)

const (
	DefaultMaxChunkSize = 4000
	DefaultOverlapSize  = 200
)

// Chunk is one window of a longer text. Sizes are measured in runes.
type Chunk struct {
	Index       int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Text        string `json:"text"`
	WordCount   int    `json:"wordCount"`
	CharCount   int    `json:"charCount"`
}

// ChunkText splits text into windows of maxChunkSize runes, each starting
// maxChunkSize-overlapSize runes after the previous one. Splitting stops once
// the next window would start within overlapSize of the end, so the last
// chunk is never a sliver already covered by its predecessor. Non-positive
// arguments fall back to the defaults; an overlap that is not smaller than
// the window is treated as zero.
func ChunkText(text string, maxChunkSize, overlapSize int) []Chunk {
	if maxChunkSize <= 0 {
		maxChunkSize = DefaultMaxChunkSize
	}
	if overlapSize < 0 {
		overlapSize = DefaultOverlapSize
	}
	if overlapSize >= maxChunkSize {
		overlapSize = 0
	}

	runes := []rune(text)
	total := len(runes)
	if total <= maxChunkSize {
		return []Chunk{newChunk(0, text)}
	}

	step := maxChunkSize - overlapSize
	var chunks []Chunk
	for start := 0; start < total; {
		end := start + maxChunkSize
		if end > total {
			end = total
		}
		chunks = append(chunks, newChunk(len(chunks), string(runes[start:end])))
		start += step
		if start >= total-overlapSize {
			break
		}
	}
	for i := range chunks {
		chunks[i].TotalChunks = len(chunks)
	}
	return chunks
}

// ChunkAt returns the chunk at index using the default window sizes.
func ChunkAt(text string, index int) (Chunk, error) {
	chunks := ChunkText(text, DefaultMaxChunkSize, DefaultOverlapSize)
	if index < 0 || index >= len(chunks) {
		return Chunk{}, fmt.Errorf("chunk %d of %d: %w", index, len(chunks), shared.ErrChunkIndexOutOfRange)
	}
	return chunks[index], nil
}

// CountWords counts whitespace-separated words.
func CountWords(text string) int {
	return len(strings.Fields(text))
}

func newChunk(index int, text string) Chunk {
	return Chunk{
		Index:       index,
		TotalChunks: 1,
		Text:        text,
		WordCount:   CountWords(text),
		CharCount:   len([]rune(text)),
	}
}
