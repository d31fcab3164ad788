package server

import (
	"net/http"

	"github.com/fazt-sh/fazt/internal/jsruntime"
)

// writeHandlerError maps a handler execution failure to an HTTP response
// per the error taxonomy: a capability error the bridge marked retryable
// (storage admission failure, a transient net-typed error) becomes a 503
// with Retry-After; an uncaught handler exception or VM interrupt is a
// 500. Retryability is always preserved end to end — jsThrow sets it at
// the point the capability bridge raises the error, and mapException
// carries it through into ExecError.Retryable.
func writeHandlerError(w http.ResponseWriter, err error) {
	execErr, ok := err.(*jsruntime.ExecError)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if execErr.Retryable {
		w.Header().Set("Retry-After", "1")
		http.Error(w, execErr.Message, http.StatusServiceUnavailable)
		return
	}

	http.Error(w, execErr.Message, http.StatusInternalServerError)
}
