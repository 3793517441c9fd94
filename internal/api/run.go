package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/kiln/internal/worker"
)

// maxRunBodySize bounds a job request. Encrypted prompts with embedded
// parameters stay well below it.
const maxRunBodySize = 16 << 20

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRunBodySize)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			runRejectedTotal.WithLabelValues(rejectTooLarge).Inc()
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		runRejectedTotal.WithLabelValues(rejectUnreadable).Inc()
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	runRequestBytes.Observe(float64(len(raw)))

	s.disableWriteDeadline(w)

	resp := s.deps.Handler.HandleJSON(r.Context(), unwrapInput(raw))
	s.writeJSON(w, runStatus(resp), resp)
}

// unwrapInput accepts both the bare handler input and the serverless job
// shape {"input": {...}}.
func unwrapInput(raw []byte) []byte {
	var job struct {
		Input json.RawMessage `json:"input"`
	}
	if json.Unmarshal(raw, &job) != nil {
		return raw
	}
	if in := bytes.TrimSpace(job.Input); len(in) > 0 && in[0] == '{' {
		return in
	}
	return raw
}

// runStatus maps a handler response onto an HTTP status code.
func runStatus(resp worker.Response) int {
	if resp.OK() {
		return http.StatusOK
	}
	switch resp.Kind {
	case worker.KindEngineStart:
		return http.StatusServiceUnavailable
	case worker.KindConfiguration:
		return http.StatusInternalServerError
	case worker.KindExecutionFailed, worker.KindEngineCommunication:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
