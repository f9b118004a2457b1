package research

import (
	"fmt"
	"strings"

	"github.com/basket/deep-research/internal/persistence"
)

const systemPrompt = `You are a research agent. Your job is to answer the user's research question with a well-sourced written report.

Method:
1. Break the question into the specific facts you need.
2. Use web_search to find evidence. Prefer several focused queries over one broad query.
3. If the user attached documents, read them with document_reader before searching the web. Long documents are split into chunks; request them by chunkIndex.
4. Compare sources and note where they disagree.
5. When you have enough evidence, call report_writer exactly once with a title, sections and the citations you relied on.

Rules:
- Cite every non-obvious claim.
- Do not invent URLs, titles or quotations.
- Stop searching once additional results no longer change your conclusions.`

// Brief is the prompt pair handed to the reasoning engine.
type Brief struct {
	System string
	User   string
}

// BuildBrief renders the task brief for query. Optional lines are added for
// a budget, an advanced search depth and attached documents.
func BuildBrief(query string, opts persistence.JobOptions) Brief {
	var b strings.Builder
	b.WriteString("Research question: ")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n")

	if opts.MaxBudget > 0 {
		fmt.Fprintf(&b, "\nBudget: keep total model spend under $%.2f.\n", opts.MaxBudget)
	}
	if opts.SearchDepth == "advanced" {
		b.WriteString("\nSearch depth: advanced. Pass searchDepth \"advanced\" to web_search and follow up on the most relevant results.\n")
	}
	if len(opts.IncludeDocuments) > 0 {
		b.WriteString("\nThe user attached these documents. Read each one with document_reader:\n")
		for _, id := range opts.IncludeDocuments {
			fmt.Fprintf(&b, "- %s\n", id)
		}
	}
	return Brief{System: systemPrompt, User: b.String()}
}
