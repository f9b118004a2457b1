package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/deep-research/internal/bus"
	"github.com/basket/deep-research/internal/persistence"
)

const (
	streamBuffer = 256
	pollInterval = time.Second
)

// eventSink is one client transport of the event stream.
type eventSink interface {
	Send(ctx context.Context, ev bus.Event) error
	Heartbeat(ctx context.Context) error
}

// sseSink writes events as `data: {json}` frames and heartbeats as
// comment lines.
type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) Send(_ context.Context, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *sseSink) Heartbeat(_ context.Context) error {
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	return s.rc.Flush()
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, ev bus.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, s.conn, ev)
}

func (s *wsSink) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.conn.Ping(ctx)
}

// handleResearchStream implements GET /api/research/{id}/stream as
// Server-Sent Events.
func (s *Server) handleResearchStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, rc: http.NewResponseController(w)}
	if err := s.follow(r.Context(), job, sink); err != nil {
		s.logger.Debug("sse: stream ended", "job_id", id, "error", err)
	}
}

// handleResearchWS implements GET /api/research/{id}/ws. It carries the same
// events as the SSE stream and closes normally once the job is terminal.
func (s *Server) handleResearchWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := s.cfg.Store.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: originPatterns(s.cfg.AllowOrigins),
	})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	// Clients only listen; CloseRead services pings and the close handshake.
	ctx := conn.CloseRead(r.Context())
	if err := s.follow(ctx, job, &wsSink{conn: conn}); err != nil {
		s.logger.Debug("ws: stream ended", "job_id", id, "error", err)
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "research finished")
}

// follow sends the job's events to sink until the job reaches a terminal
// state or ctx ends. A client that connects after the job finished receives
// the stored updates followed by the terminal event.
func (s *Server) follow(ctx context.Context, job *persistence.Job, sink eventSink) error {
	id := job.ID
	events := make(chan bus.Event, streamBuffer)
	unsubscribe := s.cfg.Bus.Subscribe(id, func(ev bus.Event) {
		select {
		case events <- ev:
		default:
			s.logger.Warn("stream subscriber lagging, event dropped", "job_id", id, "type", ev.Type)
		}
	})
	defer unsubscribe()

	_, progress := s.jobProgress(job)
	if err := sink.Send(ctx, bus.NewEvent(bus.TypeStatus, bus.StatusPayload{
		SessionID: id,
		Status:    string(job.Status),
		Progress:  progress,
		Message:   "Connected",
	})); err != nil {
		return err
	}
	if job.Status.Terminal() {
		return s.replay(ctx, job, sink)
	}

	// The subscription is in place, so a job finishing from here on is seen
	// either as a bus event or through its tracker's done channel.
	var done <-chan struct{}
	var poll <-chan time.Time
	if t, ok := s.cfg.Jobs.Get(id); ok {
		done = t.Done()
	} else {
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if err := sink.Send(ctx, ev); err != nil {
				return err
			}
			if isTerminalEvent(ev) {
				return nil
			}
		case <-done:
			for {
				select {
				case ev := <-events:
					if err := sink.Send(ctx, ev); err != nil {
						return err
					}
					if isTerminalEvent(ev) {
						return nil
					}
				default:
					return s.sendStoredTerminal(ctx, id, sink)
				}
			}
		case <-poll:
			latest, err := s.cfg.Store.GetJob(ctx, id)
			if err != nil {
				return err
			}
			if latest.Status.Terminal() {
				return sink.Send(ctx, terminalEvent(latest))
			}
			if t, ok := s.cfg.Jobs.Get(id); ok && done == nil {
				done = t.Done()
			}
		case <-heartbeat.C:
			if err := sink.Heartbeat(ctx); err != nil {
				return err
			}
		}
	}
}

// replay sends a finished job's stored updates in timestamp order, each typed
// by its kind, then the closing event.
func (s *Server) replay(ctx context.Context, job *persistence.Job, sink eventSink) error {
	updates, err := s.cfg.Store.ListUpdates(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, u := range updates {
		if err := sink.Send(ctx, bus.Event{Type: string(u.Kind), Timestamp: u.CreatedAt, Data: u}); err != nil {
			return err
		}
	}
	return sink.Send(ctx, terminalEvent(job))
}

func (s *Server) sendStoredTerminal(ctx context.Context, id string, sink eventSink) error {
	latest, err := s.cfg.Store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return sink.Send(ctx, terminalEvent(latest))
}

// terminalEvent rebuilds the closing event of a finished job from its stored
// row.
func terminalEvent(job *persistence.Job) bus.Event {
	switch job.Status {
	case persistence.JobFailed:
		return bus.NewEvent(bus.TypeError, bus.ErrorPayload{
			SessionID: job.ID,
			Error:     job.Error,
			Progress:  100,
		})
	case persistence.JobCancelled:
		return bus.NewEvent(bus.TypeStatus, bus.StatusPayload{
			SessionID: job.ID,
			Status:    string(job.Status),
			Progress:  100,
			Message:   "Research cancelled",
		})
	default:
		return bus.NewEvent(bus.TypeStatus, bus.StatusPayload{
			SessionID: job.ID,
			Status:    string(job.Status),
			Progress:  100,
			Message:   "Research completed",
		})
	}
}

func isTerminalEvent(ev bus.Event) bool {
	switch ev.Type {
	case bus.TypeError:
		return true
	case bus.TypeStatus:
		p, ok := ev.Data.(bus.StatusPayload)
		return ok && persistence.JobStatus(p.Status).Terminal()
	}
	return false
}

// originPatterns converts CORS origins to the host patterns the websocket
// library matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "" {
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}
