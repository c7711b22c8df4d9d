package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ruteri/credential-registry/interfaces"
)

const (
	// maxJSONBodySize bounds non-file request bodies.
	maxJSONBodySize = 1 << 20

	// multipartOverhead is the allowance over the file limit for form fields.
	multipartOverhead = 1 << 20
)

// ErrorResponse is the body of every failed request. Detail carries the
// underlying error chain and is omitted in production.
type ErrorResponse struct {
	Error   interfaces.Kind `json:"error"`
	Message string          `json:"message"`
	Reason  string          `json:"reason,omitempty"`
	Detail  string          `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// The status line is already sent, an encoding failure cannot be reported.
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := interfaces.KindOf(err)
	status := interfaces.HTTPStatus(kind)

	resp := ErrorResponse{
		Error:   kind,
		Message: interfaces.UserMessage(kind),
		Reason:  interfaces.ReasonOf(err),
	}
	var e *interfaces.Error
	if errors.As(err, &e) && e.Message != "" && status < http.StatusInternalServerError {
		resp.Message = e.Message
	}
	if !h.production {
		resp.Detail = err.Error()
	}

	log := h.log.With(
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("kind", string(kind)),
		slog.Int("status", status))
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "err", err)
	} else {
		log.Debug("Request rejected", "err", err)
	}

	writeJSON(w, status, resp)
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return interfaces.WrapError(err, interfaces.KindValidation, "malformed JSON body")
	}
	return nil
}
