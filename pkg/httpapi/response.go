package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

type errorBody struct {
	Error struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
		Detail  string `json:"detail,omitempty"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Kind = kind
	body.Error.Message = message
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeAppError maps an *apperrors.AppError to its HTTP status and error
// body. Non-AppError errors are reported as an opaque server error so
// internal detail never leaks to callers.
func writeAppError(w http.ResponseWriter, err error) {
	ae, ok := apperrors.As(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	var body errorBody
	body.Error.Kind = string(ae.Kind)
	body.Error.Message = ae.Message
	body.Error.Detail = ae.Detail
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.HTTPStatus())
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
