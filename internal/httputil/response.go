// Package httputil holds the JSON envelope shared by the control API and its
// clients.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/banshee-data/gamma.report/internal/monitoring"
)

// ErrorBody is the payload of every non-2xx API response.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSONError writes an ErrorBody with the given status code.
func WriteJSONError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg})
}

// WriteJSON writes data as JSON with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		monitoring.Logf("failed to encode json response: %v", err)
	}
}

func WriteJSONOK(w http.ResponseWriter, data interface{}) { WriteJSON(w, http.StatusOK, data) }

func BadRequest(w http.ResponseWriter, msg string)          { WriteJSONError(w, http.StatusBadRequest, msg) }
func NotFound(w http.ResponseWriter, msg string)            { WriteJSONError(w, http.StatusNotFound, msg) }
func Conflict(w http.ResponseWriter, msg string)            { WriteJSONError(w, http.StatusConflict, msg) }
func ServiceUnavailable(w http.ResponseWriter, msg string)  { WriteJSONError(w, http.StatusServiceUnavailable, msg) }
func InternalServerError(w http.ResponseWriter, msg string) { WriteJSONError(w, http.StatusInternalServerError, msg) }

// MethodNotAllowed is an http.HandlerFunc for routers that reject a method.
func MethodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// RouteNotFound is an http.HandlerFunc for unmatched paths.
func RouteNotFound(w http.ResponseWriter, r *http.Request) {
	NotFound(w, "no route for "+r.URL.Path)
}
