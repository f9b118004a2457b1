// Command runtime_smoke drives one research job through a running daemon:
// health check, start, WebSocket follow to a terminal event, report fetch.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:3001", "daemon base URL")
	query := flag.String("query", "runtime smoke test", "research query to submit")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx, strings.TrimRight(*base, "/"), *query, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "VERDICT FAIL: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, base, query string, out io.Writer) error {
	var health map[string]any
	if err := getJSON(ctx, base+"/healthz", &health); err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	fmt.Fprintf(out, "CHECK health ok version=%v\n", health["version"])

	body, _ := json.Marshal(map[string]any{"query": query})
	var started struct {
		SessionID string `json:"sessionId"`
		Status    string `json:"status"`
	}
	if err := postJSON(ctx, base+"/api/research/start", body, http.StatusAccepted, &started); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := uuid.Parse(started.SessionID); err != nil {
		return fmt.Errorf("start returned invalid sessionId %q: %w", started.SessionID, err)
	}
	fmt.Fprintf(out, "CHECK research started session_id=%s\n", started.SessionID)

	final, count, err := follow(ctx, wsURL(base)+"/api/research/"+started.SessionID+"/ws")
	if err != nil {
		return fmt.Errorf("follow: %w", err)
	}
	status, err := extractField(final.Data, "status")
	if err != nil || final.Type != "status" {
		return fmt.Errorf("terminal event %s: %s", final.Type, final.Data)
	}
	fmt.Fprintf(out, "CHECK stream ended events=%d status=%s\n", count, status)
	if status != "completed" {
		return fmt.Errorf("research ended %s", status)
	}

	var rep struct {
		Title     string `json:"title"`
		Content   string `json:"content"`
		WordCount int    `json:"wordCount"`
	}
	if err := getJSON(ctx, base+"/api/reports/"+started.SessionID, &rep); err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if strings.TrimSpace(rep.Content) == "" {
		return errors.New("report content empty")
	}
	fmt.Fprintf(out, "CHECK report title=%q words=%d\n", rep.Title, rep.WordCount)

	fmt.Fprintln(out, "VERDICT PASS")
	return nil
}

// follow reads events until a terminal status or error event arrives, or
// the server closes the stream.
func follow(ctx context.Context, url string) (wireEvent, int, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return wireEvent{}, 0, fmt.Errorf("dial: %w", err)
	}
	defer conn.CloseNow()

	var last wireEvent
	count := 0
	for {
		var ev wireEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure && count > 0 {
				return last, count, nil
			}
			return last, count, err
		}
		count++
		last = ev
		if isTerminal(ev) {
			_ = conn.Close(websocket.StatusNormalClosure, "runtime smoke done")
			return ev, count, nil
		}
	}
}

// isTerminal reports whether ev closes the stream. Replayed error updates
// carry an updateType and are not terminal.
func isTerminal(ev wireEvent) bool {
	if ev.Type == "error" {
		_, err := extractField(ev.Data, "error")
		return err == nil
	}
	if ev.Type != "status" {
		return false
	}
	status, _ := extractField(ev.Data, "status")
	switch status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return doJSON(req, http.StatusOK, v)
}

func postJSON(ctx context.Context, url string, body []byte, want int, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(req, want, v)
}

func doJSON(req *http.Request, want int, v any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		return fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	return json.Unmarshal(raw, v)
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", err
	}
	val, ok := payload[field]
	if !ok {
		return "", fmt.Errorf("missing field %q", field)
	}
	asString, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("field %q is not string", field)
	}
	return asString, nil
}
