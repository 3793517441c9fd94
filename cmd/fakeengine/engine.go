package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// failClassType marks a node that fails with an execution_error event.
const failClassType = "Fail"

var upgrader = websocket.Upgrader{}

type message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type clientConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *clientConn) send(m message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(m)
}

type queuedPrompt struct {
	id    string
	nodes map[string]node
}

type node struct {
	ClassType string `json:"class_type"`
}

// fakeEngine runs prompts by replaying the event sequence of a real
// execution. Prompts for a client whose channel is not open yet are held
// until it connects.
type fakeEngine struct {
	logger    *slog.Logger
	nodeDelay time.Duration

	mu      sync.Mutex
	clients map[string]*clientConn
	waiting map[string][]queuedPrompt
	history map[string]map[string]any
}

func newEngine(logger *slog.Logger, nodeDelay time.Duration) *fakeEngine {
	return &fakeEngine{
		logger:    logger,
		nodeDelay: nodeDelay,
		clients:   make(map[string]*clientConn),
		waiting:   make(map[string][]queuedPrompt),
		history:   make(map[string]map[string]any),
	}
}

func (e *fakeEngine) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/system_stats", e.handleStats)
	r.Post("/prompt", e.handlePrompt)
	r.Get("/history/{id}", e.handleHistory)
	r.Get("/ws", e.handleWS)
	return r
}

func (e *fakeEngine) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"system":  map[string]any{"os": "posix", "embedded_python": false},
		"devices": []map[string]any{{"name": "cpu", "type": "cpu"}},
	})
}

func (e *fakeEngine) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt   map[string]node `json:"prompt"`
		ClientID string          `json:"client_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Prompt) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":       map[string]string{"type": "prompt_no_outputs", "message": "Prompt has no outputs"},
			"node_errors": map[string]any{},
		})
		return
	}

	p := queuedPrompt{id: uuid.NewString(), nodes: req.Prompt}
	writeJSON(w, http.StatusOK, map[string]any{"prompt_id": p.id, "number": 0, "node_errors": map[string]any{}})

	e.mu.Lock()
	c := e.clients[req.ClientID]
	if c == nil {
		e.waiting[req.ClientID] = append(e.waiting[req.ClientID], p)
	}
	e.mu.Unlock()

	e.logger.Info("prompt queued", "prompt_id", p.id, "client_id", req.ClientID, "nodes", len(p.nodes))
	if c != nil {
		go e.execute(c, p)
	}
}

func (e *fakeEngine) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	e.mu.Lock()
	entry, ok := e.history[id]
	e.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{id: entry})
}

func (e *fakeEngine) handleWS(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("clientId")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("upgrade event channel", "error", err)
		return
	}
	c := &clientConn{conn: conn}

	e.mu.Lock()
	e.clients[clientID] = c
	queued := e.waiting[clientID]
	delete(e.waiting, clientID)
	e.mu.Unlock()

	_ = c.send(message{Type: "status", Data: map[string]any{
		"status": map[string]any{"exec_info": map[string]int{"queue_remaining": len(queued)}},
		"sid":    clientID,
	}})
	for _, p := range queued {
		go e.execute(c, p)
	}

	// Drain until the worker hangs up.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	e.mu.Lock()
	if e.clients[clientID] == c {
		delete(e.clients, clientID)
	}
	e.mu.Unlock()
	conn.Close()
}

// execute plays the event sequence for p on c and records its history.
func (e *fakeEngine) execute(c *clientConn, p queuedPrompt) {
	ids := make([]string, 0, len(p.nodes))
	for id := range p.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outputs := map[string]any{}
	status := "success"

	_ = c.send(message{Type: "execution_start", Data: map[string]any{"prompt_id": p.id}})
	for _, id := range ids {
		_ = c.send(message{Type: "executing", Data: map[string]any{"node": id, "prompt_id": p.id}})
		time.Sleep(e.nodeDelay)

		if p.nodes[id].ClassType == failClassType {
			status = "error"
			_ = c.send(message{Type: "execution_error", Data: map[string]any{
				"prompt_id":         p.id,
				"node_id":           id,
				"node_type":         failClassType,
				"exception_message": "node failed on purpose",
			}})
			break
		}
		outputs[id] = map[string]any{}
		_ = c.send(message{Type: "executed", Data: map[string]any{"node": id, "prompt_id": p.id, "output": map[string]any{}}})
	}

	e.mu.Lock()
	e.history[p.id] = map[string]any{
		"prompt":  []any{0, p.id, p.nodes, map[string]any{}, ids},
		"outputs": outputs,
		"status":  map[string]any{"status_str": status, "completed": status == "success", "messages": []any{}},
	}
	e.mu.Unlock()

	if status == "success" {
		_ = c.send(message{Type: "execution_success", Data: map[string]any{"prompt_id": p.id}})
		_ = c.send(message{Type: "executing", Data: map[string]any{"node": nil, "prompt_id": p.id}})
	}
	e.logger.Info("prompt finished", "prompt_id", p.id, "status", status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
