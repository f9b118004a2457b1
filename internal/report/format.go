package report

import (
	"fmt"
	"strings"
)

// Alignment of a table column.
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
)

// Table renders a Markdown table. Missing alignments default to left.
func Table(headers []string, rows [][]string, alignments ...Alignment) (string, error) {
	if len(headers) == 0 {
		return "", fmt.Errorf("table must have at least one header")
	}
	var b strings.Builder
	b.WriteString("| " + strings.Join(headers, " | ") + " |\n")
	b.WriteString("|")
	for i := range headers {
		align := AlignLeft
		if i < len(alignments) {
			align = alignments[i]
		}
		switch align {
		case AlignCenter:
			b.WriteString(" :---: |")
		case AlignRight:
			b.WriteString(" ---: |")
		default:
			b.WriteString(" --- |")
		}
	}
	b.WriteString("\n")
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = strings.ReplaceAll(c, "|", `\|`)
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String(), nil
}

// Blockquote prefixes every line of text with "> ".
func Blockquote(text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = "> " + l
	}
	return strings.Join(lines, "\n")
}

// List renders items as a bullet list, or numbered when ordered is set.
func List(items []string, ordered bool) string {
	lines := make([]string, len(items))
	for i, item := range items {
		if ordered {
			lines[i] = fmt.Sprintf("%d. %s", i+1, item)
		} else {
			lines[i] = "- " + item
		}
	}
	return strings.Join(lines, "\n")
}

// CodeBlock fences code, tagging the fence with language when set.
func CodeBlock(code, language string) string {
	fence := "```"
	for strings.Contains(code, fence) {
		fence += "`"
	}
	return fence + language + "\n" + strings.TrimRight(code, "\n") + "\n" + fence
}

var markdownEscaper = strings.NewReplacer(
	`\`, `\\`, "`", "\\`", "*", `\*`, "_", `\_`,
	"{", `\{`, "}", `\}`, "[", `\[`, "]", `\]`,
	"(", `\(`, ")", `\)`, "#", `\#`, "+", `\+`,
	"-", `\-`, ".", `\.`, "!", `\!`,
)

// Escape backslash-escapes the characters Markdown treats as syntax.
func Escape(text string) string {
	return markdownEscaper.Replace(text)
}
