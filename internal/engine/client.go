package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/kiln/internal/model"
)

const (
	// DefaultPollInterval is the gap between readiness probes.
	DefaultPollInterval = 500 * time.Millisecond

	probeTimeout   = 2 * time.Second
	maxErrorBody   = 512
	closeWriteWait = time.Second
)

// Client talks to one engine instance over its HTTP API and websocket event
// channel. It is safe for concurrent use; each job gets its own channel.
type Client struct {
	baseURL      string
	wsURL        string
	http         *http.Client
	dialer       *websocket.Dialer
	broker       *EventBroker
	logger       *slog.Logger
	pollInterval time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBroker publishes every received engine event to b.
func WithBroker(b *EventBroker) ClientOption {
	return func(c *Client) { c.broker = b }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

// NewClient creates a client for the engine at baseURL, e.g.
// "http://127.0.0.1:8188".
func NewClient(baseURL string, logger *slog.Logger, opts ...ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"

	c := &Client{
		baseURL:      baseURL,
		wsURL:        wsURL,
		http:         &http.Client{},
		dialer:       websocket.DefaultDialer,
		logger:       logger,
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	if c.broker == nil {
		c.broker = NewEventBroker()
	}
	return c
}

// Broker returns the broker that receives engine events.
func (c *Client) Broker() *EventBroker {
	return c.broker
}

// WaitReady polls GET /system_stats until it answers 200 or timeout elapses.
// It returns false early if ctx is done.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if c.probe(ctx) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// Submit queues job on the engine and returns the engine-assigned prompt id.
func (c *Client) Submit(ctx context.Context, job model.Job) (string, error) {
	body, err := json.Marshal(struct {
		Prompt   map[string]json.RawMessage `json:"prompt"`
		ClientID string                     `json:"client_id"`
	}{job.Prompt, job.ClientID})
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", c.transportError(ctx, "submit", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &Error{
			Kind:       KindRejected,
			Op:         "submit",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(excerpt)),
		}
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &Error{Kind: KindCommunication, Op: "submit", Message: "decode response", Err: err}
	}
	if out.PromptID == "" {
		return "", &Error{Kind: KindRejected, Op: "submit", Message: "response has no prompt_id"}
	}
	return out.PromptID, nil
}

// History fetches GET /history/{promptID}. Numbers are kept as json.Number so
// the mapping passes through without precision loss.
func (c *Client) History(ctx context.Context, promptID string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(ctx, "history", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{
			Kind:       KindCommunication,
			Op:         "history",
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(excerpt)),
		}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var history map[string]any
	if err := dec.Decode(&history); err != nil {
		return nil, &Error{Kind: KindCommunication, Op: "history", Message: "decode response", Err: err}
	}
	if history == nil {
		history = map[string]any{}
	}
	return history, nil
}

// transportError keeps context errors visible so callers can tell a
// deadline from a dead engine.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return &Error{Kind: KindCommunication, Op: op, Err: err}
}

// Stream is an open event channel for one client id.
type Stream struct {
	c        *Client
	conn     *websocket.Conn
	clientID string
	once     sync.Once
}

// Subscribe opens the engine event channel scoped to clientID. The caller
// must Close the returned stream.
func (c *Client) Subscribe(ctx context.Context, clientID string) (*Stream, error) {
	u := c.wsURL + "?clientId=" + url.QueryEscape(clientID)
	conn, resp, err := c.dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, c.transportError(ctx, "subscribe", err)
	}
	c.broker.Open(clientID)
	return &Stream{c: c, conn: conn, clientID: clientID}, nil
}

// Wait blocks until the engine reports that promptID finished. Events for
// other prompt ids and binary preview frames are skipped. It returns an
// *Error of KindExecution if the engine reports a failure, KindCommunication
// if the channel closes first, or the context error if ctx ends the wait.
func (s *Stream) Wait(ctx context.Context, promptID string) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		mt, msg, err := s.conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fmt.Errorf("await %s: %w", promptID, ctxErr)
			}
			return &Error{
				Kind:    KindCommunication,
				Op:      "await",
				Message: "event channel closed before completion",
				Err:     err,
			}
		}
		if mt != websocket.TextMessage {
			continue
		}

		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil || ev.Type == "" {
			continue
		}
		s.c.broker.Publish(s.clientID, ev)
		eventsReceived.WithLabelValues(ev.Type).Inc()

		if ev.promptID() != promptID {
			continue
		}
		done, err := completion(ev)
		if done {
			s.c.logger.Debug("engine job finished", "prompt_id", promptID, "event", ev.Type)
			return err
		}
	}
}

// completion reports whether ev ends the wait for its prompt, and the error
// to return if the engine reported a failure.
func completion(ev Event) (bool, error) {
	switch ev.Type {
	case "execution_end", "execution_success":
		return true, nil
	case "executing":
		var d struct {
			Node json.RawMessage `json:"node"`
		}
		if json.Unmarshal(ev.Data, &d) == nil && string(d.Node) == "null" {
			return true, nil
		}
		return false, nil
	case "execution_error":
		var d struct {
			NodeType         string `json:"node_type"`
			ExceptionType    string `json:"exception_type"`
			ExceptionMessage string `json:"exception_message"`
		}
		_ = json.Unmarshal(ev.Data, &d)
		msg := strings.TrimSpace(d.ExceptionMessage)
		if msg == "" {
			msg = "engine reported an execution error"
		}
		if d.ExceptionType != "" {
			msg = d.ExceptionType + ": " + msg
		}
		if d.NodeType != "" {
			msg = fmt.Sprintf("node %s: %s", d.NodeType, msg)
		}
		return true, &Error{Kind: KindExecution, Op: "execute", Message: msg}
	case "execution_interrupted":
		return true, &Error{Kind: KindExecution, Op: "execute", Message: "execution interrupted"}
	}
	return false, nil
}

// Close shuts the channel and ends the client id's broker topic. It is safe
// to call more than once.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		err = s.conn.Close()
		s.c.broker.Close(s.clientID)
	})
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// AwaitCompletion opens the event channel for clientID, waits for promptID to
// finish, closes the channel and returns the job's history.
func (c *Client) AwaitCompletion(ctx context.Context, promptID, clientID string) (model.JobResult, error) {
	s, err := c.Subscribe(ctx, clientID)
	if err != nil {
		return model.JobResult{}, err
	}
	err = s.Wait(ctx, promptID)
	s.Close()
	if err != nil {
		return model.JobResult{PromptID: promptID, Status: model.StatusFailed}, err
	}

	history, err := c.History(ctx, promptID)
	if err != nil {
		return model.JobResult{PromptID: promptID, Status: model.StatusCompleted}, err
	}
	return model.JobResult{PromptID: promptID, Status: model.StatusCompleted, History: history}, nil
}

// Run submits job and waits for it. The event channel is opened before the
// prompt is queued so a fast job cannot finish unobserved. History is fetched
// unless job.NoHistory is set.
func (c *Client) Run(ctx context.Context, job model.Job) (model.JobResult, error) {
	s, err := c.Subscribe(ctx, job.ClientID)
	if err != nil {
		return model.JobResult{}, err
	}
	defer s.Close()

	promptID, err := c.Submit(ctx, job)
	if err != nil {
		return model.JobResult{}, err
	}
	c.logger.Debug("prompt queued", "prompt_id", promptID, "client_id", job.ClientID)

	if err := s.Wait(ctx, promptID); err != nil {
		return model.JobResult{PromptID: promptID, Status: model.StatusFailed}, err
	}
	s.Close()

	result := model.JobResult{PromptID: promptID, Status: model.StatusCompleted}
	if job.NoHistory {
		return result, nil
	}
	history, err := c.History(ctx, promptID)
	if err != nil {
		return result, err
	}
	result.History = history
	return result, nil
}
