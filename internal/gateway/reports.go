package gateway

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	reports, total, err := s.cfg.Store.ListReports(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "total": total})
}

// handleGetReport returns the report of the research job {id} together with
// the job's query and spend.
func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rep, err := s.cfg.Store.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        rep.ID,
		"sessionId": rep.JobID,
		"title":     rep.Title,
		"content":   rep.Content,
		"format":    rep.Format,
		"wordCount": rep.WordCount,
		"createdAt": rep.CreatedAt,
		"updatedAt": rep.UpdatedAt,
		"session": map[string]any{
			"query":        job.Query,
			"totalCostUsd": job.TotalCostUSD,
		},
	})
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.cfg.Store.GetReport(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", downloadName(rep.Title)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rep.Content))
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9]+`)

func downloadName(title string) string {
	slug := strings.Trim(unsafeFileChars.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if slug == "" {
		slug = "research-report"
	}
	if len(slug) > 80 {
		slug = strings.TrimRight(slug[:80], "-")
	}
	return slug + ".md"
}
