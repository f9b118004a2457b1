package document

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/basket/deep-research/internal/shared"
)

// Metadata describes an extracted document.
type Metadata struct {
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	Size      int    `json:"size"`
	PageCount int    `json:"pageCount,omitempty"`
	WordCount int    `json:"wordCount"`
	CharCount int    `json:"charCount"`
}

// Extracted is the text pulled out of one file.
type Extracted struct {
	Text     string   `json:"text"`
	Metadata Metadata `json:"metadata"`
}

// Extractor pulls plain text out of one family of file formats.
type Extractor interface {
	Name() string
	Supports(mimeType string) bool
	Extract(fileName string, data []byte) (Extracted, error)
}

// Extractors returns the built-in extractors in lookup order.
func Extractors() []Extractor {
	return []Extractor{pdfExtractor{}, docxExtractor{}, textExtractor{}}
}

// Extract picks the extractor for mimeType and runs it.
func Extract(fileName, mimeType string, data []byte) (Extracted, error) {
	mimeType = baseMIME(mimeType)
	for _, ex := range Extractors() {
		if !ex.Supports(mimeType) {
			continue
		}
		out, err := ex.Extract(fileName, data)
		if err != nil {
			return Extracted{}, fmt.Errorf("%s extract %q: %w", ex.Name(), fileName, err)
		}
		out.Metadata.FileName = fileName
		out.Metadata.MimeType = mimeType
		out.Metadata.Size = len(data)
		out.Metadata.WordCount = CountWords(out.Text)
		out.Metadata.CharCount = utf8.RuneCountInString(out.Text)
		return out, nil
	}
	return Extracted{}, fmt.Errorf("%q (%s): %w", fileName, mimeType, shared.ErrUnsupportedDocumentType)
}

// Supported reports whether some extractor handles mimeType.
func Supported(mimeType string) bool {
	mimeType = baseMIME(mimeType)
	for _, ex := range Extractors() {
		if ex.Supports(mimeType) {
			return true
		}
	}
	return false
}

// DetectMIME resolves the MIME type of an upload. A specific declared type
// wins; otherwise the file extension, then the content signature.
func DetectMIME(fileName, declared string, data []byte) string {
	declared = baseMIME(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	}
	if byExt := baseMIME(mime.TypeByExtension(filepath.Ext(fileName))); byExt != "" {
		return byExt
	}
	return baseMIME(mimetype.Detect(data).String())
}

func baseMIME(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

type pdfExtractor struct{}

func (pdfExtractor) Name() string { return "pdf" }

func (pdfExtractor) Supports(mimeType string) bool { return mimeType == "application/pdf" }

func (pdfExtractor) Extract(_ string, data []byte) (Extracted, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extracted{}, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return Extracted{}, fmt.Errorf("read pdf text: %w", err)
	}
	raw, err := io.ReadAll(plain)
	if err != nil {
		return Extracted{}, fmt.Errorf("read pdf text: %w", err)
	}
	return Extracted{
		Text:     normalizeText(string(raw)),
		Metadata: Metadata{PageCount: r.NumPage()},
	}, nil
}

type docxExtractor struct{}

var (
	docxParagraphEnd = regexp.MustCompile(`</w:p>`)
	docxTab          = regexp.MustCompile(`<w:tab/>`)
	xmlTag           = regexp.MustCompile(`<[^>]+>`)
)

func (docxExtractor) Name() string { return "docx" }

func (docxExtractor) Supports(mimeType string) bool {
	return mimeType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" ||
		mimeType == "application/msword"
}

func (docxExtractor) Extract(_ string, data []byte) (Extracted, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extracted{}, fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	content := r.Editable().GetContent()
	content = docxParagraphEnd.ReplaceAllString(content, "\n")
	content = docxTab.ReplaceAllString(content, "\t")
	content = xmlTag.ReplaceAllString(content, "")
	return Extracted{Text: normalizeText(html.UnescapeString(content))}, nil
}

type textExtractor struct{}

var textMIMETypes = map[string]bool{
	"application/json": true,
	"application/xml":  true,
}

func (textExtractor) Name() string { return "text" }

func (textExtractor) Supports(mimeType string) bool {
	return strings.HasPrefix(mimeType, "text/") || textMIMETypes[mimeType]
}

func (textExtractor) Extract(_ string, data []byte) (Extracted, error) {
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return Extracted{Text: normalizeText(text)}, nil
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
