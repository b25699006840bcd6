package server

import (
	"encoding/json"
	"net/http"

	platformerrors "github.com/jmgilman/go/errors"
)

func statusFor(err error) int {
	switch platformerrors.GetCode(err) {
	case platformerrors.CodeInvalidInput:
		return http.StatusBadRequest
	case platformerrors.CodeNotFound:
		return http.StatusNotFound
	case platformerrors.CodeNetwork, platformerrors.CodeExecutionFailed:
		return http.StatusBadGateway
	case platformerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case platformerrors.CodeDatabase, platformerrors.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeJSON(w, r, statusFor(err), platformerrors.ToJSON(err))
}
