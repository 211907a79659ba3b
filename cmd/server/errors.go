package main

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Sentinel failures returned by the turn/session/reward core. Handlers map
// them to HTTP; the core itself never touches status codes.
var (
	errNotFound       = errors.New("not_found")
	errForbidden      = errors.New("forbidden")
	errInvalidState   = errors.New("invalid_state")
	errNoParticipants = errors.New("no_participants")
)

// writeCoreError maps a core error to a JSON error response.
func writeCoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, errNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, errForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, errInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, errNoParticipants):
		status, code = http.StatusConflict, "no_participants"
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{"error": code, "message": err.Error()})
}
