package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
)

// frame is one scripted message on the fake engine's event channel.
type frame struct {
	binary bool
	msg    any
}

type fakeConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

// fakeEngine speaks the engine's HTTP and websocket protocol. Events for a
// prompt are played once both the prompt is queued and its client's channel
// is open.
type fakeEngine struct {
	srv *httptest.Server

	mu           sync.Mutex
	next         int
	conns        map[string]*fakeConn
	pending      map[string][]string
	bodies       []string
	probes       int
	historyCalls int

	failProbes       int
	promptStatus     int
	closeAfterSubmit bool
	events           func(promptID string) []frame
}

var upgrader = websocket.Upgrader{}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	f := &fakeEngine{
		conns:   make(map[string]*fakeConn),
		pending: make(map[string][]string),
		events:  successEvents,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /system_stats", f.handleStats)
	mux.HandleFunc("POST /prompt", f.handlePrompt)
	mux.HandleFunc("GET /history/{id}", f.handleHistory)
	mux.HandleFunc("GET /ws", f.handleWS)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// stats returns the probe and history call counts.
func (f *fakeEngine) stats() (probes, historyCalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.historyCalls
}

func (f *fakeEngine) body(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func (f *fakeEngine) client(opts ...engine.ClientOption) *engine.Client {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return engine.NewClient(f.srv.URL, logger, opts...)
}

func successEvents(promptID string) []frame {
	return []frame{
		{msg: map[string]any{"type": "status", "data": map[string]any{"status": map[string]any{"exec_info": map[string]any{"queue_remaining": 1}}}}},
		{msg: map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": "someone-else"}}},
		{binary: true},
		{msg: map[string]any{"type": "execution_start", "data": map[string]any{"prompt_id": promptID}}},
		{msg: map[string]any{"type": "executing", "data": map[string]any{"node": "1", "prompt_id": promptID}}},
		{msg: map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": promptID}}},
	}
}

func (f *fakeEngine) handleStats(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.probes++
	fail := f.probes <= f.failProbes
	f.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"system":{"os":"posix"},"devices":[]}`)
}

func (f *fakeEngine) handlePrompt(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.bodies = append(f.bodies, string(body))
	status := f.promptStatus
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, `{"error":"invalid prompt","node_errors":{}}`, status)
		return
	}

	var req struct {
		ClientID string `json:"client_id"`
	}
	json.Unmarshal(body, &req)

	f.mu.Lock()
	f.next++
	n := f.next
	promptID := fmt.Sprintf("p-%d", n)
	fc := f.conns[req.ClientID]
	if fc == nil {
		f.pending[req.ClientID] = append(f.pending[req.ClientID], promptID)
	}
	f.mu.Unlock()

	// Events go out before the response so a client that subscribes late
	// would miss them.
	if fc != nil {
		f.play(fc, promptID)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"prompt_id": promptID, "number": n, "node_errors": map[string]any{}})
}

func (f *fakeEngine) handleHistory(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.historyCalls++
	f.mu.Unlock()

	id := r.PathValue("id")
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{%q:{"outputs":{},"status":{"status_str":"success","completed":true},"seed":123456789012345678901}}`, id)
}

func (f *fakeEngine) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{c: c}

	f.mu.Lock()
	f.conns[clientID] = fc
	pend := f.pending[clientID]
	delete(f.pending, clientID)
	f.mu.Unlock()

	for _, promptID := range pend {
		f.play(fc, promptID)
	}
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			c.Close()
			return
		}
	}
}

func (f *fakeEngine) play(fc *fakeConn, promptID string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if f.closeAfterSubmit {
		fc.c.Close()
		return
	}
	for _, fr := range f.events(promptID) {
		if fr.binary {
			fc.c.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1, 0xff})
			continue
		}
		fc.c.WriteJSON(fr.msg)
	}
}

func noteJob(clientID string) model.Job {
	return model.Job{
		ClientID: clientID,
		Prompt: map[string]json.RawMessage{
			"noop": json.RawMessage(`{"class_type":"Note","inputs":{"text":"hello","seed":123456789012345678901}}`),
		},
	}
}

func TestWaitReadyRetries(t *testing.T) {
	f := newFakeEngine(t)
	f.failProbes = 2
	c := f.client(engine.WithPollInterval(10 * time.Millisecond))

	if !c.WaitReady(context.Background(), 5*time.Second) {
		t.Fatal("WaitReady = false, want true")
	}
	if probes, _ := f.stats(); probes != 3 {
		t.Errorf("probes = %d, want 3", probes)
	}
}

func TestWaitReadyTimeout(t *testing.T) {
	f := newFakeEngine(t)
	f.failProbes = 1 << 30
	c := f.client(engine.WithPollInterval(10 * time.Millisecond))

	start := time.Now()
	if c.WaitReady(context.Background(), 50*time.Millisecond) {
		t.Fatal("WaitReady = true, want false")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("WaitReady took %v, want roughly the timeout", elapsed)
	}
}

func TestWaitReadyUnreachable(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := engine.NewClient("http://127.0.0.1:1", logger, engine.WithPollInterval(10*time.Millisecond))

	if c.WaitReady(context.Background(), 30*time.Millisecond) {
		t.Fatal("WaitReady = true for unreachable engine")
	}
}

func TestWaitReadyContextCancel(t *testing.T) {
	f := newFakeEngine(t)
	f.failProbes = 1 << 30
	c := f.client(engine.WithPollInterval(10 * time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if c.WaitReady(ctx, time.Minute) {
		t.Fatal("WaitReady = true, want false")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("WaitReady ignored cancellation, took %v", elapsed)
	}
}

func TestSubmitRejected(t *testing.T) {
	f := newFakeEngine(t)
	f.promptStatus = http.StatusBadRequest
	c := f.client()

	_, err := c.Submit(context.Background(), noteJob("c1"))
	if !engine.IsKind(err, engine.KindRejected) {
		t.Fatalf("err = %v, want rejected", err)
	}
	var ee *engine.Error
	errors.As(err, &ee)
	if ee.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode = %d, want 400", ee.StatusCode)
	}
	if !strings.Contains(ee.Message, "invalid prompt") {
		t.Errorf("Message = %q, want body excerpt", ee.Message)
	}
}

func TestSubmitUnreachable(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	c := engine.NewClient("http://127.0.0.1:1", logger)

	_, err := c.Submit(context.Background(), noteJob("c1"))
	if !engine.IsKind(err, engine.KindCommunication) {
		t.Fatalf("err = %v, want communication", err)
	}
}

func TestSubmitForwardsPromptLosslessly(t *testing.T) {
	f := newFakeEngine(t)
	c := f.client()

	id, err := c.Submit(context.Background(), noteJob("c1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "p-1" {
		t.Errorf("prompt id = %q, want p-1", id)
	}

	body := f.body(0)
	if !strings.Contains(body, `"client_id":"c1"`) {
		t.Errorf("body %s missing client_id", body)
	}
	if !strings.Contains(body, "123456789012345678901") {
		t.Errorf("body %s lost the large seed", body)
	}
}

func TestRunCompletes(t *testing.T) {
	f := newFakeEngine(t)
	c := f.client()

	res, err := c.Run(context.Background(), noteJob("c1"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.PromptID != "p-1" {
		t.Errorf("PromptID = %q, want p-1", res.PromptID)
	}
	if res.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	entry, ok := res.History["p-1"].(map[string]any)
	if !ok {
		t.Fatalf("History = %v, want entry for p-1", res.History)
	}
	if n, ok := entry["seed"].(json.Number); !ok || n.String() != "123456789012345678901" {
		t.Errorf("seed = %v, want lossless json.Number", entry["seed"])
	}
}

func TestRunCompletionMarkers(t *testing.T) {
	for _, typ := range []string{"execution_end", "execution_success"} {
		t.Run(typ, func(t *testing.T) {
			f := newFakeEngine(t)
			f.events = func(promptID string) []frame {
				return []frame{
					{msg: map[string]any{"type": typ, "data": map[string]any{"prompt_id": "foreign"}}},
					{msg: map[string]any{"type": typ, "data": map[string]any{"prompt_id": promptID}}},
				}
			}
			res, err := f.client().Run(context.Background(), noteJob("c-"+typ))
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if res.PromptID != "p-1" {
				t.Errorf("PromptID = %q", res.PromptID)
			}
		})
	}
}

func TestRunIgnoresForeignCompletion(t *testing.T) {
	f := newFakeEngine(t)
	f.events = func(string) []frame {
		return []frame{
			{msg: map[string]any{"type": "execution_success", "data": map[string]any{"prompt_id": "foreign"}}},
			{msg: map[string]any{"type": "executing", "data": map[string]any{"node": nil, "prompt_id": "foreign"}}},
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := f.client().Run(ctx, noteJob("c1"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRunExecutionError(t *testing.T) {
	f := newFakeEngine(t)
	f.events = func(promptID string) []frame {
		return []frame{{msg: map[string]any{"type": "execution_error", "data": map[string]any{
			"prompt_id":         promptID,
			"node_type":         "KSampler",
			"exception_type":    "RuntimeError",
			"exception_message": "CUDA out of memory",
		}}}}
	}

	res, err := f.client().Run(context.Background(), noteJob("c1"))
	if !engine.IsKind(err, engine.KindExecution) {
		t.Fatalf("err = %v, want execution", err)
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") || !strings.Contains(err.Error(), "KSampler") {
		t.Errorf("err = %q, want engine message", err)
	}
	if res.PromptID != "p-1" || res.Status != model.StatusFailed {
		t.Errorf("result = %+v, want failed p-1", res)
	}
}

func TestRunInterrupted(t *testing.T) {
	f := newFakeEngine(t)
	f.events = func(promptID string) []frame {
		return []frame{{msg: map[string]any{"type": "execution_interrupted", "data": map[string]any{"prompt_id": promptID}}}}
	}

	_, err := f.client().Run(context.Background(), noteJob("c1"))
	if !engine.IsKind(err, engine.KindExecution) {
		t.Fatalf("err = %v, want execution", err)
	}
}

func TestRunChannelClosedEarly(t *testing.T) {
	f := newFakeEngine(t)
	f.closeAfterSubmit = true

	_, err := f.client().Run(context.Background(), noteJob("c1"))
	if !engine.IsKind(err, engine.KindCommunication) {
		t.Fatalf("err = %v, want communication", err)
	}
}

func TestRunNoHistorySkipsLookup(t *testing.T) {
	f := newFakeEngine(t)
	job := noteJob("c1")
	job.NoHistory = true

	res, err := f.client().Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.History != nil {
		t.Errorf("History = %v, want nil", res.History)
	}
	if _, calls := f.stats(); calls != 0 {
		t.Errorf("history calls = %d, want 0", calls)
	}
}

func TestAwaitCompletionAfterSubmit(t *testing.T) {
	f := newFakeEngine(t)
	c := f.client()

	id, err := c.Submit(context.Background(), noteJob("c1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	res, err := c.AwaitCompletion(context.Background(), id, "c1")
	if err != nil {
		t.Fatalf("AwaitCompletion: %v", err)
	}
	if _, ok := res.History[id]; !ok {
		t.Errorf("History = %v, want entry for %s", res.History, id)
	}
}

func TestRunPublishesEvents(t *testing.T) {
	f := newFakeEngine(t)
	b := engine.NewEventBroker()
	c := f.client(engine.WithBroker(b))

	events, unsub := b.Subscribe("c1")
	defer unsub()

	if _, err := c.Run(context.Background(), noteJob("c1")); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var types []string
	for ev := range events {
		types = append(types, ev.Type)
	}
	want := []string{"status", "executing", "execution_start", "executing", "executing"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Errorf("events = %v, want %v", types, want)
	}
}
