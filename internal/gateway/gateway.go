package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/basket/deep-research/internal/bus"
	"github.com/basket/deep-research/internal/gate"
	"github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/persistence"
	"github.com/basket/deep-research/internal/shared"
	"github.com/basket/deep-research/internal/workflow"
)

const (
	defaultHeartbeat = 30 * time.Second
	defaultPageSize  = 20
	maxPageSize      = 100
)

type Config struct {
	Store  *persistence.Store
	Jobs   *workflow.Registry
	Gate   *gate.Gate
	Bus    *bus.Bus
	Logger *slog.Logger

	// DefaultModel is recorded on jobs whose request names no model.
	DefaultModel string

	// AllowOrigins lists the browser origins accepted for CORS and
	// cross-origin WebSockets. "*" accepts any origin.
	AllowOrigins []string

	MaxUploadBytes int64

	// Heartbeat is the interval of SSE keepalive comments and WebSocket
	// pings. Zero means 30s.
	Heartbeat time.Duration

	// PollInterval is how often a stream re-reads a running job that has no
	// tracker in this process. Zero means 1s.
	PollInterval time.Duration

	// ConfigFingerprint is the hash of the active config exposed by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	validate *validator.Validate
	started  time.Time
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = pollInterval
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 10 << 20
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		validate: validate,
		started:  time.Now(),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /health", s.handleHealthz)

	mux.HandleFunc("POST /api/research/start", s.handleStartResearch)
	mux.HandleFunc("GET /api/research", s.handleListResearch)
	mux.HandleFunc("GET /api/research/{id}/status", s.handleResearchStatus)
	mux.HandleFunc("GET /api/research/{id}/stream", s.handleResearchStream)
	mux.HandleFunc("GET /api/research/{id}/ws", s.handleResearchWS)
	mux.HandleFunc("POST /api/research/{id}/cancel", s.handleCancelResearch)
	mux.HandleFunc("GET /api/research/{id}/sources", s.handleResearchSources)
	mux.HandleFunc("GET /api/research/{id}/updates", s.handleResearchUpdates)

	mux.HandleFunc("GET /api/reports", s.handleListReports)
	mux.HandleFunc("GET /api/reports/{id}", s.handleGetReport)
	mux.HandleFunc("GET /api/reports/{id}/download", s.handleDownloadReport)

	mux.HandleFunc("POST /api/documents", s.handleUploadDocument)
	mux.HandleFunc("POST /api/documents/upload", s.handleUploadDocument)
	mux.HandleFunc("GET /api/documents", s.handleListDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.handleGetDocument)
	mux.HandleFunc("GET /api/documents/{id}/chunks/{index}", s.handleDocumentChunk)
	mux.HandleFunc("DELETE /api/documents/{id}", s.handleDeleteDocument)

	var h http.Handler = mux
	h = s.logRequests(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	return h
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbOK := s.cfg.Store.Ping(ctx) == nil

	payload := map[string]any{
		"status":      "ok",
		"version":     otel.Version,
		"timestamp":   time.Now().UTC(),
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"db_ok":       dbOK,
		"active_jobs": s.cfg.Gate.Active(),
		"max_jobs":    s.cfg.Gate.Limit(),
		"config_hash": s.cfg.ConfigFingerprint,
	}
	status := http.StatusOK
	if !dbOK {
		payload["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// apiError is the body of every non-2xx JSON response.
type apiError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to an HTTP status through its error kind.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, apiError{Error: code, Message: err.Error(), StatusCode: status})
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiError{Error: "ValidationError", Message: msg, StatusCode: http.StatusBadRequest})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, shared.ErrCapacityExceeded):
		return http.StatusTooManyRequests, "CapacityExceeded"
	case errors.Is(err, shared.ErrJobNotFound):
		return http.StatusNotFound, "JobNotFound"
	case errors.Is(err, shared.ErrDocumentNotFound):
		return http.StatusNotFound, "DocumentNotFound"
	case errors.Is(err, shared.ErrChunkIndexOutOfRange):
		return http.StatusNotFound, "ChunkIndexOutOfRange"
	case errors.Is(err, shared.ErrInvalidState):
		return http.StatusConflict, "InvalidState"
	case errors.Is(err, shared.ErrUnsupportedDocumentType):
		return http.StatusUnsupportedMediaType, "UnsupportedDocumentType"
	case errors.Is(err, shared.ErrCancelled):
		return http.StatusConflict, "Cancelled"
	case errors.Is(err, shared.ErrEngineFailure):
		return http.StatusBadGateway, "EngineFailure"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

// pageParams reads limit and offset, clamping limit to [1, maxPageSize].
func pageParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = min(n, maxPageSize)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(sr.ResponseWriter).Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-Id")
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-Id", traceID)
		r = r.WithContext(shared.WithTraceID(r.Context(), traceID))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", traceID,
		)
	})
}
