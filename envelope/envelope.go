// Package envelope defines the response wrapper shared by every backend
// service. All cross-service results travel as {ok, data|error, ts}; Go
// errors never cross a process boundary.
package envelope

import (
	"encoding/json"
	"net/http"
	"time"
)

// Error codes surfaced in ErrorBody.Code. BAD_INPUT and NOT_FOUND are never
// retriable; transport level failures always are.
const (
	CodeBadInput      = "BAD_INPUT"
	CodeNotFound      = "NOT_FOUND"
	CodeInsufficient  = "INSUFFICIENT"
	CodeConflict      = "CONFLICT"
	CodeUpstreamError = "UPSTREAM_ERROR"
	CodeRateLimit     = "RATE_LIMIT"
	CodeTimeout       = "TIMEOUT"
	CodeInternal      = "INTERNAL"
)

// ErrorBody describes a failed or degraded operation.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Source    string         `json:"source,omitempty"`
	Retriable bool           `json:"retriable"`
	Details   map[string]any `json:"details,omitempty"`
}

// Envelope wraps every non-health response. Partial marks a degraded success
// where Error carries the failure subset.
type Envelope struct {
	OK      bool            `json:"ok"`
	Data    json.RawMessage `json:"data,omitempty"`
	Partial bool            `json:"partial,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
	TS      time.Time       `json:"ts"`
}

// OK returns a success envelope with data marshalled in place. Marshal
// failures downgrade to an INTERNAL error envelope so the wire shape holds.
func OK(data any) Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return Err(CodeInternal, "response encoding failed", "")
	}
	return Envelope{OK: true, Data: raw, TS: time.Now().UTC()}
}

// PartialOK returns a success envelope carrying both data and an error body
// describing the failed subset.
func PartialOK(data any, e *ErrorBody) Envelope {
	env := OK(data)
	if !env.OK {
		return env
	}
	env.Partial = true
	env.Error = e
	return env
}

// Err returns a failure envelope for code with a human readable message.
func Err(code, message, source string) Envelope {
	return Envelope{
		OK:    false,
		Error: &ErrorBody{Code: code, Message: message, Source: source, Retriable: Retriable(code)},
		TS:    time.Now().UTC(),
	}
}

// ErrWithDetails returns a failure envelope with structured detail fields.
func ErrWithDetails(code, message, source string, details map[string]any) Envelope {
	env := Err(code, message, source)
	env.Error.Details = details
	return env
}

// Retriable reports the default retriability of a code.
func Retriable(code string) bool {
	switch code {
	case CodeUpstreamError, CodeRateLimit, CodeTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an envelope error code to its boundary HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeBadInput:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficient, CodeConflict:
		return http.StatusConflict
	case CodeRateLimit:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeUpstreamError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Write encodes the envelope to w with the status implied by its contents.
// Success and partial success are always 200.
func Write(w http.ResponseWriter, env Envelope) error {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	status := http.StatusOK
	if !env.OK && env.Error != nil {
		status = HTTPStatus(env.Error.Code)
	}
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(env)
}

// DecodeData unmarshals the envelope data payload into out.
func (e *Envelope) DecodeData(out any) error {
	return json.Unmarshal(e.Data, out)
}

// ErrCode returns the error code or an empty string for success envelopes.
func (e *Envelope) ErrCode() string {
	if e.Error == nil {
		return ""
	}
	return e.Error.Code
}
