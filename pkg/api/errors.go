package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/seedkeeper/seedkeeper/pkg/cluster"
	"github.com/seedkeeper/seedkeeper/pkg/clusterjob"
	"github.com/seedkeeper/seedkeeper/pkg/scheduler"
)

// Error codes returned in the error envelope.
const (
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeBadRequest         = "BAD_REQUEST"
	CodeUnknownNode        = "UNKNOWN_NODE"
	CodeStaleTask          = "STALE_TASK"
	CodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorBody is the payload of every non-2xx response.
type ErrorBody struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	RequestID string                 `json:"request_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps ErrorBody under the "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]interface{}) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{
		Code:      code,
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
		Details:   details,
	}})
}

// writeDomainError maps scheduler errors onto status codes.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict *cluster.ConflictError
		unknown  *cluster.UnknownNodeError
		stale    *cluster.StaleTaskError
	)
	switch {
	case errors.As(err, &conflict):
		writeError(w, r, http.StatusConflict, CodeConflict, err.Error(), map[string]interface{}{
			"active_job_id":   conflict.ActiveJobID,
			"active_job_type": conflict.ActiveJobType,
		})
	case errors.As(err, &unknown):
		writeError(w, r, http.StatusNotFound, CodeUnknownNode, err.Error(), nil)
	case errors.As(err, &stale):
		writeError(w, r, http.StatusConflict, CodeStaleTask, err.Error(), map[string]interface{}{
			"node":    string(stale.Node),
			"task_id": stale.TaskID,
		})
	case errors.Is(err, clusterjob.ErrNoActiveJob):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, clusterjob.ErrUnknownJobType), errors.Is(err, scheduler.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
	default:
		writeError(w, r, http.StatusInternalServerError, CodeInternal, err.Error(), nil)
	}
}

// Recovery turns a panicking handler into a 500 error envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				writeError(w, r, http.StatusInternalServerError, CodeInternal, fmt.Sprintf("panic: %v", rec), nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
