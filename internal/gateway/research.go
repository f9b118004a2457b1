package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
	"github.com/basket/deep-research/internal/workflow"
)

type startResearchRequest struct {
	Query            string   `json:"query" validate:"required,min=3,max=4000"`
	Model            string   `json:"model,omitempty" validate:"omitempty,max=200"`
	MaxBudget        float64  `json:"maxBudget,omitempty" validate:"omitempty,gt=0,lte=100"`
	MaxTurns         int      `json:"maxTurns,omitempty" validate:"omitempty,min=1,max=500"`
	SearchDepth      string   `json:"searchDepth,omitempty" validate:"omitempty,oneof=basic advanced"`
	IncludeDocuments []string `json:"includeDocuments,omitempty" validate:"omitempty,max=20,dive,required"`
}

type startResearchResponse struct {
	SessionID string    `json:"sessionId"`
	Query     string    `json:"query"`
	Status    string    `json:"status"`
	StreamURL string    `json:"streamUrl"`
	CreatedAt time.Time `json:"createdAt"`
}

type researchStatusResponse struct {
	SessionID    string     `json:"sessionId"`
	Query        string     `json:"query"`
	Status       string     `json:"status"`
	Stage        string     `json:"stage"`
	Progress     int        `json:"progress"`
	Model        string     `json:"model,omitempty"`
	SourceCount  int        `json:"sourceCount"`
	TotalCostUSD float64    `json:"totalCostUsd"`
	TokensUsed   int        `json:"tokensUsed"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func (s *Server) handleStartResearch(w http.ResponseWriter, r *http.Request) {
	var req startResearchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if err := s.validate.Struct(req); err != nil {
		writeBadRequest(w, validationMessage(err))
		return
	}

	model := req.Model
	if model == "" {
		model = s.cfg.DefaultModel
	}
	opts := persistence.JobOptions{
		MaxBudget:        req.MaxBudget,
		MaxTurns:         req.MaxTurns,
		SearchDepth:      req.SearchDepth,
		IncludeDocuments: req.IncludeDocuments,
	}
	job, err := s.cfg.Jobs.Start(r.Context(), req.Query, model, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, startResearchResponse{
		SessionID: job.ID,
		Query:     job.Query,
		Status:    string(job.Status),
		StreamURL: "/api/research/" + job.ID + "/stream",
		CreatedAt: job.CreatedAt,
	})
}

func (s *Server) handleListResearch(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	limit, offset := pageParams(r)
	jobs, total, err := s.cfg.Store.ListJobs(r.Context(), status, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"research": jobs, "total": total})
}

func (s *Server) handleResearchStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	count, err := s.cfg.Store.CountSources(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stage, progress := s.jobProgress(job)
	writeJSON(w, http.StatusOK, researchStatusResponse{
		SessionID:    job.ID,
		Query:        job.Query,
		Status:       string(job.Status),
		Stage:        string(stage),
		Progress:     progress,
		Model:        job.Model,
		SourceCount:  count,
		TotalCostUSD: job.TotalCostUSD,
		TokensUsed:   job.TotalTokens,
		Error:        job.Error,
		CreatedAt:    job.CreatedAt,
		UpdatedAt:    job.UpdatedAt,
		CompletedAt:  job.CompletedAt,
	})
}

// jobProgress reads the live stage of a running job from its tracker and
// derives it from the stored status otherwise.
func (s *Server) jobProgress(job *persistence.Job) (workflow.Stage, int) {
	if t, ok := s.cfg.Jobs.Get(job.ID); ok && !job.Status.Terminal() {
		return t.Stage(), t.Progress()
	}
	switch job.Status {
	case persistence.JobCompleted:
		return workflow.StageCompleted, 100
	case persistence.JobFailed:
		return workflow.StageFailed, 100
	case persistence.JobCancelled:
		return workflow.StageCancelled, 100
	default:
		return workflow.StageInitializing, 0
	}
}

func (s *Server) handleCancelResearch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job.Status.Terminal() || !s.cfg.Jobs.Cancel(id) {
		s.writeError(w, r, fmt.Errorf("cancel %s (status %s): %w", id, job.Status, shared.ErrInvalidState))
		return
	}
	s.logger.Info("research cancellation requested", "job_id", id)
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": id,
		"cancelled": true,
	})
}

func (s *Server) handleResearchSources(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	sources, err := s.cfg.Store.ListSources(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": sources, "total": len(sources)})
}

func (s *Server) handleResearchUpdates(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.cfg.Store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	updates, err := s.cfg.Store.ListUpdates(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Field()
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", field, fe.Param()))
		case "min", "max", "gt", "lte":
			msgs = append(msgs, fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
