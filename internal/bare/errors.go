package bare

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"syscall"

	"github.com/rickgao/doge-gateway/internal/metrics"
	"github.com/rickgao/doge-gateway/internal/netguard"
)

// Error is the JSON body of a failed Bare request.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return e.Code + " (" + e.ID + "): " + e.Message
}

func newError(status int, code, id, message string) *Error {
	return &Error{Status: status, Code: code, ID: id, Message: message}
}

func missingHeader(name string) *Error {
	return newError(http.StatusBadRequest, "MISSING_BARE_HEADER", "request.headers."+name, "Header was not specified.")
}

func invalidHeader(name, message string) *Error {
	return newError(http.StatusBadRequest, "INVALID_BARE_HEADER", "request.headers."+name, message)
}

func forbiddenHeader(name, message string) *Error {
	return newError(http.StatusBadRequest, "FORBIDDEN_BARE_HEADER", "request.headers."+name, message)
}

var errNotFound = newError(http.StatusNotFound, "UNKNOWN", "error.NotFoundError", "Not Found")

// outgoingError maps a failed remote request to a Bare error.
func outgoingError(err error) *Error {
	var dnsErr *net.DNSError
	var netErr net.Error

	switch {
	case errors.Is(err, netguard.ErrBlocked):
		return newError(http.StatusForbidden, "FORBIDDEN", "request.remote", "The remote address is not allowed.")
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return newError(http.StatusInternalServerError, "HOST_NOT_FOUND", "request", "The specified host could not be resolved.")
	case errors.Is(err, syscall.ECONNREFUSED):
		return newError(http.StatusInternalServerError, "CONNECTION_REFUSED", "response", "The remote rejected the request.")
	case errors.Is(err, syscall.ECONNRESET):
		return newError(http.StatusInternalServerError, "CONNECTION_RESET", "response", "The request was forcibly closed.")
	case errors.As(err, &netErr) && netErr.Timeout():
		return newError(http.StatusInternalServerError, "CONNECTION_TIMEOUT", "response", "The response timed out.")
	}
	return newError(http.StatusInternalServerError, "UNKNOWN", "request", err.Error())
}

func writeError(w http.ResponseWriter, e *Error) {
	metrics.BareRequests.WithLabelValues(e.Code).Inc()
	writeJSON(w, e.Status, e)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "\t")
	enc.Encode(v)
}
