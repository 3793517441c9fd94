package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/envelope"
)

// Input is one job request. An encrypted request carries the envelope fields;
// a plain one carries the prompt mapping in Workflow.
type Input struct {
	Encrypted  Flag            `json:"encrypted,omitempty"`
	EPK        string          `json:"epk,omitempty"`
	Nonce      string          `json:"nonce,omitempty"`
	Ciphertext string          `json:"ciphertext,omitempty"`
	Workflow   json.RawMessage `json:"workflow,omitempty"`
	ClientID   string          `json:"client_id,omitempty"`
	NoHistory  Flag            `json:"no_history,omitempty"`
}

// Envelope returns the encrypted fields of in.
func (in Input) Envelope() envelope.Envelope {
	return envelope.Envelope{
		EphemeralPublicKey: in.EPK,
		Nonce:              in.Nonce,
		Ciphertext:         in.Ciphertext,
	}
}

// Flag is a boolean that also accepts the string and numeric spellings
// clients send: true, "true", "1", "yes" and 1.
type Flag bool

// UnmarshalJSON implements json.Unmarshaler.
func (f *Flag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*f = false
	case bytes.Equal(b, []byte("true")):
		*f = true
	case bytes.Equal(b, []byte("false")):
		*f = false
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flag(config.ParseBool(s))
	default:
		n, err := strconv.ParseFloat(string(b), 64)
		if err != nil {
			return fmt.Errorf("invalid boolean %s", b)
		}
		*f = n == 1
	}
	return nil
}

// Response is the handler's reply. Exactly one of Status or Error is set.
type Response struct {
	Status   string `json:"status,omitempty"`
	PromptID string `json:"prompt_id,omitempty"`
	History  any    `json:"history,omitempty"`
	Error    string `json:"error,omitempty"`
	Kind     Kind   `json:"kind,omitempty"`
	Hint     string `json:"hint,omitempty"`
}

// OK reports whether the response is a success.
func (r Response) OK() bool { return r.Error == "" }

func errorResponse(e *Error) Response {
	return Response{Error: e.Message, Kind: e.Kind, Hint: e.Hint}
}
