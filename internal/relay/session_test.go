package relay

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

type capturedEvent struct {
	name string
	data string
}

// parseStream splits a raw SSE body into events, keeping comments as events
// with an empty name.
func parseStream(body string) []capturedEvent {
	var events []capturedEvent
	for _, seg := range strings.Split(body, "\n\n") {
		if strings.TrimSpace(seg) == "" {
			continue
		}
		f := Frame{Raw: seg}
		events = append(events, capturedEvent{name: f.Name(), data: f.Data()})
	}
	return events
}

type recordedSessions struct {
	records []SessionRecord
}

func (r *recordedSessions) RecordSession(ctx context.Context, rec SessionRecord) {
	r.records = append(r.records, rec)
}

func newTestEngine(t *testing.T, upstream *httptest.Server, mutate func(*Config)) (*Engine, *recordedSessions) {
	t.Helper()
	cfg := Config{
		UpstreamBaseURL:   upstream.URL,
		Client:            upstream.Client(),
		GenerateTimeout:   5 * time.Second,
		SubscribeTimeout:  5 * time.Second,
		InactivityTimeout: 5 * time.Second,
		HeartbeatInterval: time.Hour,
		Logger:            log.New(io.Discard, "", 0),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e := NewEngine(cfg)
	rec := &recordedSessions{}
	e.SetRecorder(rec)
	return e, rec
}

func relayRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/generate", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestRelayForwardsFramesToCompletion(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: job.started\ndata: {\"job_id\":\"j1\"}\n\n")
		io.WriteString(w, "event: delta\ndata: once upon\n\n")
		io.WriteString(w, "event: job.completed\ndata: {}\n\n")
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	events := parseStream(w.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %v", len(events), events)
	}
	if events[0].name != "job.started" || events[2].name != "job.completed" {
		t.Fatalf("event order wrong: %v", events)
	}
	if len(rec.records) != 1 {
		t.Fatalf("expected 1 session record, got %d", len(rec.records))
	}
	if rec.records[0].Outcome != "completed" || rec.records[0].Frames != 3 {
		t.Fatalf("unexpected record: %+v", rec.records[0])
	}
}

func TestRelayForwardsCredentialAndFrameSplitAcrossChunks(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization header %q", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept header %q", got)
		}
		fl := w.(http.Flusher)
		io.WriteString(w, "data: {\"a\":")
		fl.Flush()
		time.Sleep(20 * time.Millisecond)
		io.WriteString(w, "1}\n\n")
	}))
	defer upstream.Close()

	e, _ := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	events := parseStream(w.Body.String())
	if len(events) != 1 || events[0].data != "{\"a\":1}" {
		t.Fatalf("split frame mishandled: %v", events)
	}
}

func TestRelayWithoutCredentialNeverCallsUpstream(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest(""), "generate", Target{Path: "/v1/generate"})

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d", w.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("error body not JSON: %v", err)
	}
	if payload["error"] != "unauthenticated" {
		t.Fatalf("payload %v", payload)
	}
	if hits.Load() != 0 {
		t.Fatalf("upstream called %d times", hits.Load())
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != "unauthenticated" {
		t.Fatalf("record %+v", rec.records)
	}
}

func TestRelayUpstreamHTTPErrorIsTerminalFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"error":{"message":"overloaded"}}`)
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	events := parseStream(w.Body.String())
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("expected exactly one error frame, got %v", events)
	}
	if !strings.Contains(events[0].data, "upstream-http-error") || !strings.Contains(events[0].data, "overloaded") {
		t.Fatalf("error frame data %q", events[0].data)
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != "upstream-http-error" {
		t.Fatalf("record %+v", rec.records)
	}
}

func TestRelayUnreachableUpstreamIsTerminalFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // nothing is listening anymore

	e, rec := newTestEngine(t, upstream, func(c *Config) {
		c.Client = &http.Client{}
	})
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type %q", ct)
	}
	events := parseStream(w.Body.String())
	if len(events) != 1 || events[0].name != "error" {
		t.Fatalf("expected exactly one error frame, got %v", events)
	}
	if !strings.Contains(events[0].data, "upstream-unreachable") {
		t.Fatalf("error frame data %q", events[0].data)
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != "upstream-unreachable" {
		t.Fatalf("record %+v", rec.records)
	}
}

// failingWriter accepts a fixed number of writes, then refuses everything,
// standing in for a browser that navigated away mid-stream.
type failingWriter struct {
	header    http.Header
	writes    int
	failAfter int
}

func (f *failingWriter) Header() http.Header {
	if f.header == nil {
		f.header = http.Header{}
	}
	return f.header
}

func (f *failingWriter) Write(p []byte) (int, error) {
	f.writes++
	if f.writes > f.failAfter {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

func (f *failingWriter) WriteHeader(int) {}

func TestRelayClientDisconnectAbortsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, "event: delta\ndata: first\n\n")
		fl.Flush()
		io.WriteString(w, "event: delta\ndata: second\n\n")
		fl.Flush()
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := &failingWriter{failAfter: 1}
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream request was not aborted after the client vanished")
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != "client-disconnected" {
		t.Fatalf("record %+v", rec.records)
	}
	// The write that failed must be the last one attempted: no error frame
	// gets pushed at a connection nobody holds.
	if w.writes != 2 {
		t.Fatalf("expected 2 write attempts, got %d", w.writes)
	}
}

func TestRelayMidStreamResetIsMalformedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, "event: delta\ndata: partial\n\n")
		fl.Flush()
		conn, _, err := w.(http.Hijacker).Hijack()
		if err != nil {
			t.Errorf("hijack: %v", err)
			return
		}
		conn.Close() // drop the connection mid-body
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	events := parseStream(w.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected data frame + one error frame, got %v", events)
	}
	if events[1].name != "error" || !strings.Contains(events[1].data, "malformed-response") {
		t.Fatalf("terminal frame wrong: %v", events[1])
	}
	if len(rec.records) != 1 || rec.records[0].Outcome != "malformed-response" {
		t.Fatalf("record %+v", rec.records)
	}
}

func TestRelayInactivityTimeoutEmitsSingleErrorFrame(t *testing.T) {
	upstreamDone := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, "event: delta\ndata: hello\n\n")
		fl.Flush()
		<-r.Context().Done()
		close(upstreamDone)
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, func(c *Config) {
		c.InactivityTimeout = 100 * time.Millisecond
	})
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	events := parseStream(w.Body.String())
	if len(events) != 2 {
		t.Fatalf("expected data frame + one error frame, got %v", events)
	}
	if events[1].name != "error" || !strings.Contains(events[1].data, "aborted-inactivity-timeout") {
		t.Fatalf("terminal frame wrong: %v", events[1])
	}
	select {
	case <-upstreamDone:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream request was not aborted")
	}
	if rec.records[0].Outcome != "aborted-inactivity-timeout" {
		t.Fatalf("record %+v", rec.records[0])
	}
}

func TestRelayTotalTimeoutEmitsSingleErrorFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, "event: delta\ndata: hello\n\n")
		fl.Flush()
		<-r.Context().Done()
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{
		Path:         "/v1/generate",
		TotalTimeout: 100 * time.Millisecond,
	})

	events := parseStream(w.Body.String())
	last := events[len(events)-1]
	if last.name != "error" || !strings.Contains(last.data, "aborted-total-timeout") {
		t.Fatalf("terminal frame wrong: %v", events)
	}
	errorFrames := 0
	for _, ev := range events {
		if ev.name == "error" {
			errorFrames++
		}
	}
	if errorFrames != 1 {
		t.Fatalf("expected exactly one error frame, got %d", errorFrames)
	}
	if rec.records[0].Outcome != "aborted-total-timeout" {
		t.Fatalf("record %+v", rec.records[0])
	}
}

func TestRelayHeartbeatDuringIdleUpstream(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fl := w.(http.Flusher)
		io.WriteString(w, "event: delta\ndata: first\n\n")
		fl.Flush()
		<-release
		io.WriteString(w, "event: delta\ndata: second\n\n")
	}))
	defer upstream.Close()

	e, _ := newTestEngine(t, upstream, func(c *Config) {
		c.HeartbeatInterval = 40 * time.Millisecond
	})
	go func() {
		time.Sleep(200 * time.Millisecond)
		close(release)
	}()
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	body := w.Body.String()
	if !strings.Contains(body, ": ping\n\n") {
		t.Fatalf("no heartbeat in body: %q", body)
	}
	pingIdx := strings.Index(body, ": ping")
	secondIdx := strings.Index(body, "second")
	if secondIdx < pingIdx {
		t.Fatalf("heartbeat did not precede resumed content")
	}
	events := parseStream(body)
	dataFrames := 0
	for _, ev := range events {
		if ev.name == "delta" {
			dataFrames++
		}
	}
	if dataFrames != 2 {
		t.Fatalf("expected both data frames, got %v", events)
	}
}

func TestRelayFlushesUnterminatedTrailingFrame(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "event: delta\ndata: a\n\nevent: job.completed\ndata: {}\n")
	}))
	defer upstream.Close()

	e, rec := newTestEngine(t, upstream, nil)
	w := httptest.NewRecorder()
	e.Relay(w, relayRequest("tok"), "generate", Target{Path: "/v1/generate"})

	events := parseStream(w.Body.String())
	if len(events) != 2 || events[1].name != "job.completed" {
		t.Fatalf("trailing frame dropped: %v", events)
	}
	if rec.records[0].Outcome != "completed" {
		t.Fatalf("record %+v", rec.records[0])
	}
}

func TestRelayCookieCredentialReachesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer cookie-tok" {
			t.Errorf("authorization header %q", got)
		}
		if got := r.Header.Get("Cookie"); !strings.Contains(got, "fableworks_session") {
			t.Errorf("cookie header not forwarded: %q", got)
		}
		io.WriteString(w, "data: ok\n\n")
	}))
	defer upstream.Close()

	e, _ := newTestEngine(t, upstream, nil)
	r := httptest.NewRequest(http.MethodPost, "/api/v1/generate", nil)
	r.AddCookie(&http.Cookie{Name: "fableworks_session", Value: "cookie-tok"})
	w := httptest.NewRecorder()
	e.Relay(w, r, "generate", Target{Path: "/v1/generate"})

	if len(parseStream(w.Body.String())) != 1 {
		t.Fatalf("body %q", w.Body.String())
	}
}
