package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/deep-research/internal/report"
)

// reportWriterSchema constrains report_writer input before it is decoded.
const reportWriterSchema = `{
  "type": "object",
  "required": ["title", "sections"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "template": {"type": "string"},
    "sections": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["heading", "content"],
        "properties": {
          "heading": {"type": "string", "minLength": 1},
          "content": {"type": "string"},
          "subsections": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["heading", "content"],
              "properties": {
                "heading": {"type": "string", "minLength": 1},
                "content": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "citations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "id": {"type": "string"},
          "title": {"type": "string", "minLength": 1},
          "url": {"type": "string"},
          "source": {"type": "string"}
        }
      }
    },
    "options": {
      "type": "object",
      "properties": {
        "includeTOC": {"type": "boolean"},
        "includeMetadata": {"type": "boolean"},
        "includeStats": {"type": "boolean"},
        "citationFormat": {"enum": ["numbered", "apa", "mla"]}
      }
    }
  }
}`

type ReportWriterInput struct {
	Title     string             `json:"title"`
	Sections  []report.Section   `json:"sections"`
	Citations []report.Citation  `json:"citations,omitempty"`
	Template  string             `json:"template,omitempty"`
	Options   *ReportWriterFlags `json:"options,omitempty"`
	Metadata  *report.Metadata   `json:"metadata,omitempty"`
}

// ReportWriterFlags toggles optional report parts. Unset flags default to on.
type ReportWriterFlags struct {
	IncludeTOC      *bool  `json:"includeTOC,omitempty"`
	IncludeMetadata *bool  `json:"includeMetadata,omitempty"`
	IncludeStats    *bool  `json:"includeStats,omitempty"`
	CitationFormat  string `json:"citationFormat,omitempty"`
}

// ReportWriterOutput is report.Result under the tool's name.
type ReportWriterOutput = report.Result

func compileReportSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(reportWriterSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal report schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("report_writer.json", doc); err != nil {
		return nil, fmt.Errorf("add report schema resource: %w", err)
	}
	schema, err := c.Compile("report_writer.json")
	if err != nil {
		return nil, fmt.Errorf("compile report schema: %w", err)
	}
	return schema, nil
}

// writeReport validates raw against the report_writer schema, then renders
// the report. The query of the running job is recorded in the metadata when
// the model did not supply one.
func (r *Registry) writeReport(raw json.RawMessage, query string) (ReportWriterOutput, error) {
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ReportWriterOutput{}, &ToolError{Message: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := r.reportSchema.Validate(parsed); err != nil {
		return ReportWriterOutput{}, &ToolError{
			Message:    fmt.Sprintf("report input does not match schema: %v", err),
			Suggestion: "Provide a title and at least one section with heading and content.",
		}
	}
	var in ReportWriterInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return ReportWriterOutput{}, &ToolError{Message: fmt.Sprintf("decode report input: %v", err)}
	}

	opts := report.Options{
		Template:        in.Template,
		IncludeTOC:      true,
		IncludeMetadata: true,
		IncludeStats:    true,
		CitationFormat:  report.CitationNumbered,
	}
	if f := in.Options; f != nil {
		if f.IncludeTOC != nil {
			opts.IncludeTOC = *f.IncludeTOC
		}
		if f.IncludeMetadata != nil {
			opts.IncludeMetadata = *f.IncludeMetadata
		}
		if f.IncludeStats != nil {
			opts.IncludeStats = *f.IncludeStats
		}
		if f.CitationFormat != "" {
			opts.CitationFormat = report.CitationFormat(f.CitationFormat)
		}
	}
	meta := in.Metadata
	if meta == nil {
		meta = &report.Metadata{}
	}
	if meta.Query == "" {
		meta.Query = query
	}

	result := r.Assembler.Generate(report.Data{
		Title:     in.Title,
		Sections:  in.Sections,
		Citations: in.Citations,
		Metadata:  meta,
	}, opts)
	r.logger.Info("report_writer tool called",
		"title", in.Title,
		"sections", result.Stats.SectionCount,
		"citations", result.Stats.CitationCount,
		"words", result.Stats.WordCount,
	)
	return result, nil
}
