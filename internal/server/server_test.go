package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rahul/vibe/internal/agent"
	"github.com/rahul/vibe/internal/knowledge"
	"github.com/rahul/vibe/internal/observability"
	"github.com/rahul/vibe/internal/plan"
	"github.com/rahul/vibe/internal/store"
	"github.com/rahul/vibe/internal/trace"
	"github.com/rahul/vibe/internal/worker"
)

type stubKnowledge struct {
	docs []knowledge.Document
}

func (k *stubKnowledge) Ingest(_ context.Context, doc knowledge.Document) (knowledge.Handle, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return knowledge.Handle{}, knowledge.ErrEmptyDocument
	}
	k.docs = append(k.docs, doc)
	return knowledge.Handle{ID: "doc-1", Chunks: 1}, nil
}

func (k *stubKnowledge) Query(context.Context, string, int) ([]knowledge.Snippet, error) {
	return nil, nil
}

type testEnv struct {
	srv       *httptest.Server
	sup       *agent.Supervisor
	store     *store.MemoryStore
	knowledge *stubKnowledge
}

// team plans one writer step and then completes it.
func team(release <-chan struct{}) []worker.Worker {
	planner := worker.Func{WorkerName: worker.Planner, Fn: func(_ context.Context, task worker.Task) worker.Outcome {
		return worker.Outcome{
			Status:    worker.StatusContinue,
			Mutations: []plan.Mutation{plan.AppendStep("answer: "+task.Request, worker.Writer)},
		}
	}}
	writer := worker.Func{WorkerName: worker.Writer, Fn: func(_ context.Context, task worker.Task) worker.Outcome {
		if release != nil {
			<-release
		}
		return worker.Complete(task, "final answer")
	}}
	return []worker.Worker{planner, writer}
}

func newTestEnv(t *testing.T, workers []worker.Worker) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	emitter := trace.NewEmitter(st, observability.Discard())
	ws := make(map[string]worker.Worker)
	for _, w := range workers {
		ws[w.Name()] = w
	}
	sup, err := agent.NewSupervisor(agent.Config{}, agent.Deps{
		Store:   st,
		Emitter: emitter,
		Workers: ws,
		Logger:  observability.Discard(),
	})
	if err != nil {
		t.Fatalf("NewSupervisor: %v", err)
	}
	reg := prometheus.NewRegistry()
	kb := &stubKnowledge{}
	s := New(Deps{
		Supervisor: sup,
		Store:      st,
		Emitter:    emitter,
		Knowledge:  kb,
		Metrics:    observability.NewMetrics(reg),
		Gatherer:   reg,
		Logger:     observability.Discard(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	return &testEnv{srv: srv, sup: sup, store: st, knowledge: kb}
}

func (e *testEnv) waitIdle(t *testing.T, sessionID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for e.sup.IsRunning(sessionID) {
		if time.Now().After(deadline) {
			t.Fatalf("session %s still running", sessionID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvents(t *testing.T, body io.Reader) []trace.Event {
	t.Helper()
	var out []trace.Event
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		var evt trace.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			t.Fatalf("bad line %q: %v", scanner.Text(), err)
		}
		out = append(out, evt)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func (e *testEnv) chat(t *testing.T, sessionID, message string) (*http.Response, []trace.Event) {
	t.Helper()
	body, _ := json.Marshal(chatRequest{Message: message, SessionID: sessionID})
	resp, err := http.Post(e.srv.URL+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /chat: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	return resp, readEvents(t, resp.Body)
}

func kinds(events []trace.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e.Kind)
	}
	return out
}

func TestChatStreamsRunEvents(t *testing.T) {
	env := newTestEnv(t, team(nil))

	resp, events := env.chat(t, "s1", "what is RAG?")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Session-ID") != "s1" {
		t.Errorf("X-Session-ID = %q", resp.Header.Get("X-Session-ID"))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Errorf("Content-Type = %q", ct)
	}

	got := strings.Join(kinds(events), ",")
	want := "worker-started,worker-finished,plan-updated,worker-started,worker-finished,plan-updated,run-complete"
	if got != want {
		t.Fatalf("events = %s", got)
	}
	var done trace.RunComplete
	if err := events[len(events)-1].Decode(&done); err != nil || done.Result != "final answer" {
		t.Fatalf("run-complete = %+v, %v", done, err)
	}

	// A second run on the same session streams only its own events.
	env.waitIdle(t, "s1")
	_, events = env.chat(t, "s1", "and again")
	if events[0].Seq != 8 || events[len(events)-1].Kind != trace.KindRunComplete {
		t.Fatalf("second run events = %v", kinds(events))
	}
}

func TestChatGeneratesSessionID(t *testing.T) {
	env := newTestEnv(t, team(nil))
	resp, events := env.chat(t, "", "hello")
	id := resp.Header.Get("X-Session-ID")
	if id == "" || len(events) == 0 || events[0].SessionID != id {
		t.Fatalf("session id %q, events %v", id, kinds(events))
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t, team(nil))
	for _, body := range []string{`{"message": "   "}`, `not json`} {
		resp, err := http.Post(env.srv.URL+"/chat", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d", body, resp.StatusCode)
		}
	}
}

func TestChatBusySession(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, team(release))

	firstDone := make(chan []trace.Event, 1)
	go func() {
		_, events := env.chat(t, "busy", "long request")
		firstDone <- events
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !env.sup.IsRunning("busy") {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, _ := env.chat(t, "busy", "second")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	close(release)

	events := <-firstDone
	if events[len(events)-1].Kind != trace.KindRunComplete {
		t.Fatalf("first run events = %v", kinds(events))
	}
}

func TestEventsReplay(t *testing.T) {
	env := newTestEnv(t, team(nil))
	env.chat(t, "s1", "question")
	env.waitIdle(t, "s1")

	resp, err := http.Get(env.srv.URL + "/sessions/s1/events?after=3")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	events := readEvents(t, resp.Body)
	if len(events) != 4 || events[0].Seq != 4 || events[3].Kind != trace.KindRunComplete {
		t.Fatalf("replayed = %v", kinds(events))
	}

	for path, want := range map[string]int{
		"/sessions/missing/events":      http.StatusNotFound,
		"/sessions/s1/events?after=-1":  http.StatusBadRequest,
		"/sessions/s1/events?after=abc": http.StatusBadRequest,
	} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("%s: status = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func TestEventsFollowLiveRunAndClose(t *testing.T) {
	release := make(chan struct{})
	env := newTestEnv(t, team(release))

	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		env.chat(t, "live", "long request")
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := env.store.Get(context.Background(), "live"); err == nil && env.sup.IsRunning("live") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(env.srv.URL + "/sessions/live/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	close(release)

	// The body ends on its own once the run completes; the client timeout
	// turns a stream that never closes into a scan error.
	events := readEvents(t, resp.Body)
	if len(events) != 7 || events[6].Kind != trace.KindRunComplete {
		t.Fatalf("events = %v", kinds(events))
	}
	<-chatDone
}

func TestEventsReplaySpansRuns(t *testing.T) {
	env := newTestEnv(t, team(nil))
	env.chat(t, "s1", "first")
	env.waitIdle(t, "s1")
	env.chat(t, "s1", "second")
	env.waitIdle(t, "s1")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(env.srv.URL + "/sessions/s1/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	events := readEvents(t, resp.Body)
	if len(events) != 14 || events[6].Kind != trace.KindRunComplete || events[13].Kind != trace.KindRunComplete {
		t.Fatalf("replayed = %v", kinds(events))
	}
}

func TestWebsocketStream(t *testing.T) {
	env := newTestEnv(t, team(nil))
	env.chat(t, "s1", "question")

	url := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/sessions/s1/ws?after=5"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var got []trace.Kind
	for {
		var evt trace.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("ReadJSON: %v", err)
		}
		got = append(got, evt.Kind)
		if evt.Kind == trace.KindRunComplete {
			break
		}
	}
	if len(got) != 2 || got[0] != trace.KindPlanUpdated {
		t.Fatalf("ws events = %v", got)
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, team(nil))
	env.chat(t, "s1", "question")
	env.waitIdle(t, "s1")

	resp, err := http.Get(env.srv.URL + "/history/s1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var h historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Running || h.LastSeq != 7 || len(h.Turns) != 4 || h.Turns[0].Content != "question" {
		t.Fatalf("history = %+v", h)
	}
	if len(h.Plan.Steps) != 1 || h.Plan.Steps[0].Status != plan.StatusDone {
		t.Fatalf("plan = %+v", h.Plan)
	}

	resp, _ = http.Get(env.srv.URL + "/history/nope")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing history status = %d", resp.StatusCode)
	}
}

func TestSessionsAndCancel(t *testing.T) {
	env := newTestEnv(t, team(nil))

	post := func(path, body string) *http.Response {
		resp, err := http.Post(env.srv.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatalf("POST %s: %v", path, err)
		}
		return resp
	}

	resp := post("/sessions", `{"session_id":"mine"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	resp = post("/sessions", `{"session_id":"mine"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d", resp.StatusCode)
	}
	resp = post("/sessions", "")
	var created store.Session
	_ = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated || created.ID == "" {
		t.Fatalf("generated session = %+v (%d)", created, resp.StatusCode)
	}

	list, err := http.Get(env.srv.URL + "/sessions?limit=10")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var body struct {
		Sessions []store.Session `json:"sessions"`
	}
	_ = json.NewDecoder(list.Body).Decode(&body)
	list.Body.Close()
	if len(body.Sessions) != 2 {
		t.Fatalf("sessions = %+v", body.Sessions)
	}

	resp = post("/sessions/mine/cancel", "")
	var cancel struct {
		Cancelled bool `json:"cancelled"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&cancel)
	resp.Body.Close()
	if cancel.Cancelled {
		t.Fatal("cancel reported an active run on an idle session")
	}
}

func upload(t *testing.T, url, filename, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	resp, err := http.Post(url+"/upload", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	return resp
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t, team(nil))

	resp := upload(t, env.srv.URL, "notes.md", "# Notes\n<script>alert(1)</script><b>Tom &amp; Jerry</b>")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	doc := env.knowledge.docs[0]
	if doc.Source != "notes.md" || strings.Contains(doc.Content, "<") || !strings.Contains(doc.Content, "Tom & Jerry") {
		t.Fatalf("ingested = %+v", doc)
	}

	resp = upload(t, env.srv.URL, "paper.pdf", "%PDF")
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("pdf status = %d", resp.StatusCode)
	}

	resp = upload(t, env.srv.URL, "empty.txt", "   ")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty status = %d", resp.StatusCode)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, team(nil))

	resp, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Get(env.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `vibe_http_requests_total{method="GET",route="GET /healthz",status_code="200"} 1`) {
		t.Fatalf("metrics missing healthz request:\n%s", body)
	}
}
