package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/docaihq/docai/pkg/errs"
	"github.com/docaihq/docai/pkg/metadata"
	"github.com/google/uuid"
)

// errorDetail is the wire shape of every non-2xx JSON body.
type errorDetail struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type errorBody struct {
	Detail errorDetail `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError maps an error to its HTTP status and the structured body.
// Internal errors get a correlation id that is logged and returned.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, metadata.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: errorDetail{
			Error:   "NotFound",
			Message: "file not found",
		}})
		return
	}

	kind := errs.KindOf(err)
	detail := errorDetail{
		Error:   string(kind),
		Message: errs.Message(err),
	}

	var typed *errs.Error
	if errors.As(err, &typed) {
		detail.Details = typed.Details
	}

	status := http.StatusInternalServerError
	switch kind {
	case errs.KindValidation:
		status = http.StatusBadRequest
		// Oversize uploads are distinguished by their details.
		if detail.Details != nil {
			if _, ok := detail.Details["max_file_size"]; ok {
				status = http.StatusRequestEntityTooLarge
			}
		}
	case errs.KindUnprocessableDocument:
		status = http.StatusUnprocessableEntity
	case errs.KindRetrievalUnavailable, errs.KindLLMUnavailable:
		status = http.StatusServiceUnavailable
	case errs.KindLLMTimeout:
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		correlationID := uuid.NewString()
		slog.Error("internal error",
			"correlation_id", correlationID,
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		if detail.Details == nil {
			detail.Details = map[string]interface{}{}
		}
		detail.Details["correlation_id"] = correlationID
		detail.Message = "internal error"
	}

	writeJSON(w, status, errorBody{Detail: detail})
}

func validationError(w http.ResponseWriter, r *http.Request, message string) {
	writeError(w, r, errs.Validation(message, nil))
}
