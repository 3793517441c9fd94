package api

import (
	"net/http"

	"github.com/seantiz/kiln/internal/engine"
)

type healthResponse struct {
	Status             string        `json:"status"`
	EngineState        engine.State  `json:"engine_state"`
	Engine             engine.Status `json:"engine"`
	ModelDir           string        `json:"model_dir"`
	ServerPublicKeyB64 string        `json:"server_public_key_b64,omitempty"`
}

// handleHealthz reports liveness of the worker itself. A crashed or cold
// engine does not fail the check; the next job relaunches it.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:             "ok",
		EngineState:        engine.StateNotStarted,
		ModelDir:           s.deps.ModelDir,
		ServerPublicKeyB64: s.deps.PublicKeyB64,
	}
	if s.deps.Engine != nil {
		resp.Engine = s.deps.Engine.Status()
		resp.EngineState = resp.Engine.State
	} else {
		resp.Engine.State = engine.StateNotStarted
	}
	s.writeJSON(w, http.StatusOK, resp)
}
