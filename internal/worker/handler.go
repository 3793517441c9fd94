// Package worker turns job requests into engine runs. Handler enforces the
// encryption policy, opens envelopes, validates the prompt mapping, drives the
// engine and maps every failure onto a closed set of error kinds.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/envelope"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// DryRunPromptID is returned for every request while dry-run mode is on.
const DryRunPromptID = "dry-run"

const (
	msgEncryptionRequired = "encryption_required: set KILN_ENCRYPTION_REQUIRED=0 to allow plaintext for testing"
	msgMissingKey         = "configuration: worker private key not set (KILN_WORKER_PRIVATE_KEY_B64)"
	msgMissingFields      = "missing encrypted fields"
	msgMalformedFields    = "malformed encrypted fields"
	msgInvalidCiphertext  = "invalid ciphertext"
	msgInvalidWorkflow    = "Missing or invalid workflow: expected an API prompt mapping (id->node)"
	msgGraphExport        = "Invalid workflow format: received a graph export (nodes/links). Send an API-ready prompt mapping instead."
	hintGraphExport       = "Use a client that converts ComfyUI graph JSON to the /prompt API format (id->node mapping with class_type/inputs)."
	clientIDPrefix        = "rp-"
)

// graphExportKeys appear at the top level of a graph-editor export and never
// in a prompt mapping.
var graphExportKeys = []string{"nodes", "links", "last_node_id"}

// Readier brings the engine to a ready state. *engine.Supervisor satisfies it.
type Readier interface {
	EnsureReady(ctx context.Context) error
}

// Runner submits a job and waits for it. *engine.Client satisfies it.
type Runner interface {
	Run(ctx context.Context, job model.Job) (model.JobResult, error)
}

// Reporter receives failures worth an operator's attention.
type Reporter interface {
	Report(ctx context.Context, err *Error)
}

// Options configures a Handler. Store and Reporter are optional.
type Options struct {
	Engine Readier
	Runner Runner
	Store  store.Store

	Reporter Reporter
	Logger   *slog.Logger

	// PrivateKey is the worker's envelope key; nil when not provisioned.
	PrivateKey *[envelope.KeySize]byte

	EncryptionRequired bool
	DryRun             bool
	NoHistory          bool

	// CompletionTimeout bounds each engine run; zero waits indefinitely.
	CompletionTimeout time.Duration
}

// Handler processes job requests. It is safe for concurrent use.
type Handler struct {
	opts Options
}

// NewHandler creates a request handler.
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{opts: opts}
}

// HandleJSON decodes raw as an Input and handles it.
func (h *Handler) HandleJSON(ctx context.Context, raw []byte) Response {
	if h.opts.DryRun {
		return h.dryRun()
	}
	var in Input
	if err := json.Unmarshal(raw, &in); err != nil {
		e := h.decodeError(raw)
		e.Cause = err
		return h.fail(ctx, e)
	}
	return h.Handle(ctx, in)
}

// decodeError classifies an input that is not a valid Input. When the
// encrypted flag itself still reads, the policy and envelope checks decide
// the kind as they would for a well-formed request.
func (h *Handler) decodeError(raw []byte) *Error {
	var flag struct {
		Encrypted Flag `json:"encrypted"`
	}
	if json.Unmarshal(raw, &flag) != nil {
		return newError(KindInvalidWorkflow, msgInvalidWorkflow)
	}
	switch {
	case bool(flag.Encrypted):
		return newError(KindMalformedEnvelope, msgMalformedFields)
	case h.opts.EncryptionRequired:
		return newError(KindEncryptionRequired, msgEncryptionRequired)
	default:
		return newError(KindInvalidWorkflow, msgInvalidWorkflow)
	}
}

// Handle runs one request through the pipeline: dry-run check, encryption
// policy, decryption, validation, engine readiness, then the run itself. Every
// failure comes back as an error Response.
func (h *Handler) Handle(ctx context.Context, in Input) Response {
	if h.opts.DryRun {
		return h.dryRun()
	}

	encrypted := bool(in.Encrypted)
	if h.opts.EncryptionRequired && !encrypted {
		return h.fail(ctx, newError(KindEncryptionRequired, msgEncryptionRequired))
	}

	raw := []byte(in.Workflow)
	if encrypted {
		pt, e := h.open(in)
		if e != nil {
			return h.fail(ctx, e)
		}
		raw = pt
	}

	prompt, e := parsePrompt(raw)
	if e != nil {
		return h.fail(ctx, e)
	}

	job := model.Job{
		ClientID:  in.ClientID,
		Prompt:    prompt,
		NoHistory: bool(in.NoHistory) || h.opts.NoHistory,
	}
	if job.ClientID == "" {
		job.ClientID = clientIDPrefix + uuid.NewString()
	}

	// Rejected requests never start the engine.
	if err := h.opts.Engine.EnsureReady(ctx); err != nil {
		return h.fail(ctx, &Error{
			Kind:    KindEngineStart,
			Message: "engine_start: " + err.Error(),
			Cause:   err,
		})
	}

	return h.run(ctx, job, encrypted)
}

func (h *Handler) dryRun() Response {
	jobsTotal.WithLabelValues(outcomeOK).Inc()
	return Response{Status: "ok", PromptID: DryRunPromptID}
}

// open decrypts the envelope in in. Key, encoding, authentication and JSON
// failures all surface as the same invalid_ciphertext error.
func (h *Handler) open(in Input) ([]byte, *Error) {
	if h.opts.PrivateKey == nil {
		return nil, newError(KindConfiguration, msgMissingKey)
	}
	env := in.Envelope()
	if !env.Complete() {
		return nil, newError(KindMalformedEnvelope, msgMissingFields)
	}

	pt, err := envelope.Decrypt(*h.opts.PrivateKey, env)
	if err != nil || !json.Valid(pt) {
		h.opts.Logger.Warn("envelope rejected", "client_id", in.ClientID)
		return nil, &Error{Kind: KindInvalidCiphertext, Message: msgInvalidCiphertext, Cause: err}
	}
	return pt, nil
}

// parsePrompt checks that raw is a non-empty id->node mapping.
func parsePrompt(raw []byte) (map[string]json.RawMessage, *Error) {
	var prompt map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &prompt) != nil || len(prompt) == 0 {
		return nil, newError(KindInvalidWorkflow, msgInvalidWorkflow)
	}
	for _, k := range graphExportKeys {
		if _, ok := prompt[k]; ok {
			return nil, &Error{Kind: KindWrongFormat, Message: msgGraphExport, Hint: hintGraphExport}
		}
	}
	return prompt, nil
}

// run submits job, records it in the ledger and shapes the response.
func (h *Handler) run(ctx context.Context, job model.Job, encrypted bool) Response {
	rec := &model.JobRecord{
		ID:        model.NewID(),
		ClientID:  job.ClientID,
		Status:    model.StatusPending,
		Encrypted: encrypted,
		NoHistory: job.NoHistory,
		CreatedAt: time.Now().UTC(),
	}
	h.record(ctx, rec, true)

	rec.Status = model.StatusRunning
	h.record(ctx, rec, false)

	runCtx := ctx
	if h.opts.CompletionTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, h.opts.CompletionTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := h.opts.Runner.Run(runCtx, job)
	elapsed := time.Since(start)
	jobDuration.Observe(elapsed.Seconds())

	durMS := int(elapsed.Milliseconds())
	finished := time.Now().UTC()
	rec.PromptID = res.PromptID
	rec.DurationMS = &durMS
	rec.FinishedAt = &finished

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("job did not complete within %s: %w", h.opts.CompletionTimeout, err)
		}
		e := executionError(err)
		rec.Status = model.StatusFailed
		rec.ErrorKind = string(e.Kind)
		rec.Error = e.Message
		h.record(context.WithoutCancel(ctx), rec, false)
		return h.fail(ctx, e)
	}

	rec.Status = model.StatusCompleted
	h.record(context.WithoutCancel(ctx), rec, false)
	jobsTotal.WithLabelValues(outcomeOK).Inc()
	h.opts.Logger.Info("job completed",
		"job_id", rec.ID,
		"client_id", job.ClientID,
		"prompt_id", res.PromptID,
		"duration_ms", durMS,
	)

	resp := Response{Status: "ok", PromptID: res.PromptID}
	if !job.NoHistory {
		history := res.History
		if history == nil {
			history = map[string]any{}
		}
		resp.History = history
	}
	return resp
}

// record writes rec to the ledger. Ledger failures never fail the request.
func (h *Handler) record(ctx context.Context, rec *model.JobRecord, create bool) {
	if h.opts.Store == nil {
		return
	}
	var err error
	if create {
		err = h.opts.Store.CreateJob(ctx, rec)
	} else {
		err = h.opts.Store.UpdateJob(ctx, rec)
	}
	if err != nil {
		h.opts.Logger.Error("ledger write failed", "job_id", rec.ID, "status", rec.Status, "error", err)
	}
}

func (h *Handler) fail(ctx context.Context, e *Error) Response {
	jobsTotal.WithLabelValues(string(e.Kind)).Inc()

	attrs := []any{"kind", e.Kind, "error", e.Message}
	if e.Cause != nil {
		attrs = append(attrs, "cause", e.Cause)
	}
	switch e.Kind {
	case KindEngineStart, KindExecutionFailed, KindEngineCommunication:
		h.opts.Logger.Error("request failed", attrs...)
		if h.opts.Reporter != nil {
			h.opts.Reporter.Report(ctx, e)
		}
	case KindConfiguration:
		h.opts.Logger.Error("request failed", attrs...)
	default:
		h.opts.Logger.Warn("request rejected", attrs...)
	}
	return errorResponse(e)
}

// interface checks for the engine types wired in by cmd/kiln.
var (
	_ Readier = (*engine.Supervisor)(nil)
	_ Runner  = (*engine.Client)(nil)
)
