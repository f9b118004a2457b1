package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/deep-research/internal/bus"
	"github.com/basket/deep-research/internal/engine"
	"github.com/basket/deep-research/internal/persistence"
)

type wireEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// streamSSE collects data frames until the server closes the stream.
// Comment lines are counted separately.
func streamSSE(url string) (events []wireEvent, comments int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		return nil, 0, fmt.Errorf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, ":"):
			comments++
		case strings.HasPrefix(line, "data: "):
			var ev wireEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				return nil, 0, fmt.Errorf("decode frame %q: %w", line, err)
			}
			events = append(events, ev)
		}
	}
	return events, comments, sc.Err()
}

func readSSE(t *testing.T, url string) []wireEvent {
	t.Helper()
	events, _, err := streamSSE(url)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	return events
}

func TestStream_ReplaysHistoryForFinishedJob(t *testing.T) {
	env := newTestEnv(t, engine.NewScriptedEngine(engine.DemoScript("tidal power")...), 2)
	id := env.start(t, "tidal power")
	env.jobs.Wait()

	stored, err := env.store.ListUpdates(context.Background(), id)
	if err != nil {
		t.Fatalf("list updates: %v", err)
	}
	if len(stored) == 0 {
		t.Fatal("finished job has no stored updates")
	}

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	events := readSSE(t, srv.URL+"/api/research/"+id+"/stream")
	if len(events) != len(stored)+2 {
		t.Fatalf("events = %d, want connected + %d updates + terminal", len(events), len(stored))
	}
	if events[0].Data["message"] != "Connected" {
		t.Fatalf("first event = %+v", events[0])
	}
	for i, u := range stored {
		ev := events[i+1]
		if ev.Type != string(u.Kind) {
			t.Fatalf("event %d type = %q, want %q", i+1, ev.Type, u.Kind)
		}
		if seq, _ := ev.Data["id"].(float64); int64(seq) != u.Seq {
			t.Fatalf("event %d id = %v, want %d", i+1, ev.Data["id"], u.Seq)
		}
	}
	last := events[len(events)-1]
	if last.Type != bus.TypeStatus || last.Data["status"] != "completed" || last.Data["progress"].(float64) != 100 {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestStream_PollsStoredStatusWithoutTracker(t *testing.T) {
	env := newTestEnv(t, parkedEngine(), 2)
	ctx := context.Background()
	job := &persistence.Job{Query: "orphaned after restart", Model: "m"}
	if err := env.store.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := env.store.MarkRunning(ctx, job.ID); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, ok := env.jobs.Get(job.ID); ok {
		t.Fatal("job unexpectedly has a tracker")
	}

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	type result struct {
		events []wireEvent
		err    error
	}
	got := make(chan result, 1)
	go func() {
		events, _, err := streamSSE(srv.URL + "/api/research/" + job.ID + "/stream")
		got <- result{events, err}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for env.bus.SubscriberCount(job.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := env.store.CancelJob(ctx, job.ID); err != nil {
		t.Fatalf("cancel job: %v", err)
	}

	var res result
	select {
	case res = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after the stored job was cancelled")
	}
	if res.err != nil {
		t.Fatalf("read stream: %v", res.err)
	}
	if len(res.events) != 2 || res.events[0].Data["message"] != "Connected" {
		t.Fatalf("events = %+v", res.events)
	}
	last := res.events[1]
	if last.Type != bus.TypeStatus || last.Data["status"] != string(persistence.JobCancelled) || last.Data["progress"].(float64) != 100 {
		t.Fatalf("terminal event = %+v", last)
	}
}

func TestStream_FollowsLiveJobUntilCancelled(t *testing.T) {
	env := newTestEnv(t, parkedEngine(), 2)
	id := env.start(t, "fusion timelines")

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	type result struct {
		events   []wireEvent
		comments int
		err      error
	}
	got := make(chan result, 1)
	go func() {
		events, comments, err := streamSSE(srv.URL + "/api/research/" + id + "/stream")
		got <- result{events, comments, err}
	}()

	// Wait for the stream to subscribe before cancelling.
	deadline := time.Now().Add(3 * time.Second)
	for env.bus.SubscriberCount(id) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(120 * time.Millisecond) // let a heartbeat or two through
	if rec := env.do(t, http.MethodPost, "/api/research/"+id+"/cancel", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d", rec.Code)
	}

	var res result
	select {
	case res = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after cancellation")
	}
	if res.err != nil {
		t.Fatalf("read stream: %v", res.err)
	}
	if res.comments == 0 {
		t.Fatal("expected keepalive comments")
	}
	last := res.events[len(res.events)-1]
	if last.Type != bus.TypeStatus || last.Data["status"] != string(persistence.JobCancelled) {
		t.Fatalf("last event = %+v", last)
	}
	for i := 1; i < len(res.events)-1; i++ {
		if res.events[i].Type == bus.TypeStatus && res.events[i].Data["status"] == "completed" {
			t.Fatalf("cancelled job reported completion: %+v", res.events)
		}
	}
}

func TestWebSocket_CarriesJobEvents(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.DemoScript("ocean acidification")...)
	eng.Delay = 20 * time.Millisecond
	env := newTestEnv(t, eng, 2)

	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	id := env.start(t, "ocean acidification")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/research/"+id+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	var events []wireEvent
	for {
		var ev wireEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				t.Fatalf("read: %v", err)
			}
			break
		}
		events = append(events, ev)
	}

	if len(events) < 2 || events[0].Data["message"] != "Connected" {
		t.Fatalf("events = %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != bus.TypeStatus || last.Data["status"] != "completed" {
		t.Fatalf("last event = %+v", last)
	}
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t, parkedEngine(), 2)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()
	id := env.start(t, "origin check")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/research/"+id+"/ws", &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example"}},
	})
	if err == nil {
		t.Fatal("expected handshake to be refused")
	}
	if resp != nil && resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}
