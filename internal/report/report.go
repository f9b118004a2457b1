// Package report renders research findings as a Markdown document.
package report

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ReadingWordsPerMinute is the reading speed used for the time estimate.
const ReadingWordsPerMinute = 225

const defaultAuthor = "Deep Research Agent"

type Subsection struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

type Section struct {
	Heading     string       `json:"heading"`
	Content     string       `json:"content"`
	Subsections []Subsection `json:"subsections,omitempty"`
}

type Citation struct {
	ID     string `json:"id,omitempty"`
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source,omitempty"`
}

// Metadata is optional document information rendered under the title.
type Metadata struct {
	Author      string     `json:"author,omitempty"`
	Query       string     `json:"query,omitempty"`
	Version     string     `json:"version,omitempty"`
	GeneratedAt *time.Time `json:"generatedAt,omitempty"`
}

// Data is the structured input of a report.
type Data struct {
	Title     string     `json:"title"`
	Sections  []Section  `json:"sections"`
	Citations []Citation `json:"citations"`
	Metadata  *Metadata  `json:"metadata,omitempty"`
}

// CitationFormat selects how references are rendered.
type CitationFormat string

const (
	CitationNumbered CitationFormat = "numbered"
	CitationAPA      CitationFormat = "apa"
	CitationMLA      CitationFormat = "mla"
)

type Options struct {
	Template        string         `json:"template,omitempty"`
	IncludeTOC      bool           `json:"includeTOC,omitempty"`
	IncludeMetadata bool           `json:"includeMetadata,omitempty"`
	IncludeStats    bool           `json:"includeStats,omitempty"`
	CitationFormat  CitationFormat `json:"citationFormat,omitempty"`
}

type Stats struct {
	WordCount            int `json:"wordCount"`
	CharCount            int `json:"charCount"`
	SectionCount         int `json:"sectionCount"`
	SubsectionCount      int `json:"subsectionCount"`
	CitationCount        int `json:"citationCount"`
	EstimatedReadingTime int `json:"estimatedReadingTime"`
}

// ResultMetadata accompanies a generated report.
type ResultMetadata struct {
	Title       string    `json:"title"`
	Author      string    `json:"author"`
	GeneratedAt time.Time `json:"generatedAt"`
	Query       string    `json:"query,omitempty"`
	Version     string    `json:"version,omitempty"`
}

type Result struct {
	Markdown string         `json:"markdown"`
	Stats    Stats          `json:"stats"`
	Metadata ResultMetadata `json:"metadata"`
	Template string         `json:"template"`
}

// Assembler renders reports. The zero value is not usable; call NewAssembler.
type Assembler struct {
	now func() time.Time
}

func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// WithClock returns a copy of a that reads the current time from now.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	return &Assembler{now: now}
}

// Generate renders data into Markdown. Stats describe everything above the
// statistics footer: the footer never counts its own words, and the returned
// Stats equal the figures printed in the footer.
func (a *Assembler) Generate(data Data, opts Options) Result {
	generatedAt := a.now()
	if data.Metadata != nil && data.Metadata.GeneratedAt != nil {
		generatedAt = *data.Metadata.GeneratedAt
	}

	var b strings.Builder
	b.WriteString(renderTitle(data.Title, data.Metadata, generatedAt))
	b.WriteString("\n\n")

	if opts.IncludeMetadata && data.Metadata != nil {
		b.WriteString(renderMetadata(data.Metadata))
		b.WriteString("\n\n")
	}

	b.WriteString("---\n\n")

	if opts.IncludeTOC {
		b.WriteString(TableOfContents(data.Sections))
		b.WriteString("\n\n---\n\n")
	}

	b.WriteString(renderSections(data.Sections))

	if len(data.Citations) > 0 {
		b.WriteString("\n---\n\n")
		b.WriteString(renderCitations(data.Citations, opts.CitationFormat, generatedAt.Year()))
	}

	generated := 0
	if opts.IncludeMetadata && data.Metadata != nil {
		generated++
	}
	if opts.IncludeTOC {
		generated++
	}
	if len(data.Citations) > 0 {
		generated++
	}
	stats := computeStats(b.String(), generated, len(data.Citations))
	if opts.IncludeStats {
		b.WriteString("\n\n")
		b.WriteString(renderFooter(stats))
	}

	meta := ResultMetadata{
		Title:       data.Title,
		Author:      defaultAuthor,
		GeneratedAt: generatedAt.UTC(),
	}
	if data.Metadata != nil {
		if data.Metadata.Author != "" {
			meta.Author = data.Metadata.Author
		}
		meta.Query = data.Metadata.Query
		meta.Version = data.Metadata.Version
	}
	template := opts.Template
	if template == "" {
		template = "default"
	}
	return Result{Markdown: b.String(), Stats: stats, Metadata: meta, Template: template}
}

func renderTitle(title string, meta *Metadata, generatedAt time.Time) string {
	out := "# " + title + "\n"
	if meta == nil || meta.GeneratedAt != nil {
		out += "\n*Generated on " + generatedAt.Format("January 2, 2006") + "*\n"
	}
	return out
}

func renderMetadata(meta *Metadata) string {
	var b strings.Builder
	b.WriteString("## Document Information\n\n")
	if meta.Author != "" {
		fmt.Fprintf(&b, "**Author**: %s\n\n", meta.Author)
	}
	if meta.Query != "" {
		fmt.Fprintf(&b, "**Research Query**: %s\n\n", meta.Query)
	}
	if meta.Version != "" {
		fmt.Fprintf(&b, "**Version**: %s\n\n", meta.Version)
	}
	if meta.GeneratedAt != nil {
		fmt.Fprintf(&b, "**Generated**: %s\n\n", meta.GeneratedAt.Format("1/2/2006, 3:04:05 PM"))
	}
	return b.String()
}

// TableOfContents renders a numbered list of section and subsection links.
func TableOfContents(sections []Section) string {
	var b strings.Builder
	b.WriteString("## Table of Contents\n\n")
	for i, s := range sections {
		fmt.Fprintf(&b, "%d. [%s](#%s)\n", i+1, s.Heading, Anchor(s.Heading))
		for j, sub := range s.Subsections {
			fmt.Fprintf(&b, "   %d.%d. [%s](#%s)\n", i+1, j+1, sub.Heading, Anchor(sub.Heading))
		}
	}
	return b.String()
}

func renderSections(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", s.Heading, s.Content)
		for _, sub := range s.Subsections {
			fmt.Fprintf(&b, "### %s\n\n%s\n\n", sub.Heading, sub.Content)
		}
	}
	return b.String()
}

func renderCitations(citations []Citation, format CitationFormat, year int) string {
	var b strings.Builder
	b.WriteString("## References\n\n")
	for i, c := range citations {
		n := i + 1
		switch format {
		case CitationAPA:
			b.WriteString(formatAPA(c, n, year))
		case CitationMLA:
			b.WriteString(formatMLA(c, n))
		default:
			b.WriteString(formatNumbered(c, n))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func formatNumbered(c Citation, n int) string {
	out := fmt.Sprintf("%d. **%s**", n, c.Title)
	if c.Source != "" {
		out += "  \n   " + c.Source
	}
	if c.URL != "" {
		out += fmt.Sprintf("  \n   [%s](%s)", c.URL, c.URL)
	}
	return out
}

func formatAPA(c Citation, n, year int) string {
	source := c.Source
	if source == "" {
		source = "Unknown Source"
	}
	out := fmt.Sprintf("%d. %s. (%d). *%s*.", n, source, year, c.Title)
	if c.URL != "" {
		out += " Retrieved from " + c.URL
	}
	return out
}

func formatMLA(c Citation, n int) string {
	out := fmt.Sprintf("%d. \"%s.\"", n, c.Title)
	if c.Source != "" {
		out += fmt.Sprintf(" *%s*.", c.Source)
	}
	if c.URL != "" {
		out += fmt.Sprintf(" %s.", c.URL)
	}
	return out
}

func renderFooter(stats Stats) string {
	var b strings.Builder
	b.WriteString("---\n\n")
	b.WriteString("*Document Statistics*\n\n")
	fmt.Fprintf(&b, "- **Word Count**: %s\n", groupThousands(stats.WordCount))
	fmt.Fprintf(&b, "- **Sections**: %d main sections, %d subsections\n", stats.SectionCount, stats.SubsectionCount)
	fmt.Fprintf(&b, "- **References**: %d\n", stats.CitationCount)
	if stats.EstimatedReadingTime > 0 {
		fmt.Fprintf(&b, "- **Estimated Reading Time**: %d minutes\n", stats.EstimatedReadingTime)
	}
	b.WriteString("\n*Generated by Deep Research Agent*\n")
	return b.String()
}

var (
	sectionHeading    = regexp.MustCompile(`(?m)^## `)
	subsectionHeading = regexp.MustCompile(`(?m)^### `)
)

// computeStats derives statistics from rendered markdown. generated is the
// number of level-2 headings the assembler itself injected (metadata, table
// of contents, references), which are not counted as sections.
func computeStats(markdown string, generated, citations int) Stats {
	words := len(strings.Fields(markdown))
	sections, subsections := CountHeadings(markdown)
	sections -= generated
	if sections < 0 {
		sections = 0
	}
	return Stats{
		WordCount:            words,
		CharCount:            len([]rune(markdown)),
		SectionCount:         sections,
		SubsectionCount:      subsections,
		CitationCount:        citations,
		EstimatedReadingTime: ReadingMinutes(words),
	}
}

// CountHeadings returns the number of level-2 and level-3 headings in markdown.
func CountHeadings(markdown string) (sections, subsections int) {
	return len(sectionHeading.FindAllStringIndex(markdown, -1)), len(subsectionHeading.FindAllStringIndex(markdown, -1))
}

// ReadingMinutes estimates reading time, rounding up.
func ReadingMinutes(words int) int {
	return int(math.Ceil(float64(words) / ReadingWordsPerMinute))
}

var (
	anchorStrip   = regexp.MustCompile(`[^\w\s-]`)
	anchorSpace   = regexp.MustCompile(`\s+`)
	anchorHyphens = regexp.MustCompile(`--+`)
)

// Anchor converts a heading into a fragment id.
func Anchor(heading string) string {
	a := strings.ToLower(heading)
	a = anchorStrip.ReplaceAllString(a, "")
	a = anchorSpace.ReplaceAllString(a, "-")
	a = anchorHyphens.ReplaceAllString(a, "-")
	return strings.TrimSpace(a)
}

func groupThousands(n int) string {
	if n < 0 {
		return "-" + groupThousands(-n)
	}
	s := strconv.Itoa(n)
	for i := len(s) - 3; i > 0; i -= 3 {
		s = s[:i] + "," + s[i:]
	}
	return s
}

// Generate renders data with a default Assembler.
func Generate(data Data, opts Options) Result {
	return NewAssembler().Generate(data, opts)
}
