// Package engine supervises the external image-generation engine process and
// talks to it. Supervisor owns the single engine process and its readiness
// state; Client submits prompts over HTTP and waits for completion on the
// engine's websocket event channel. Engine events are fanned out to SSE
// subscribers through an EventBroker.
package engine
