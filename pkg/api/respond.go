package api

import (
	"encoding/json"
	"net/http"

	"github.com/pomodex/sandboxd/pkg/log"
	"github.com/pomodex/sandboxd/pkg/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeKindError maps a kind-tagged error to its HTTP status. Invalid
// state reads as 404: the project exists but not in a shape the caller
// may act on, and the distinction is not worth leaking.
func writeKindError(w http.ResponseWriter, err error) {
	switch types.KindOf(err) {
	case types.KindNotFound:
		writeError(w, http.StatusNotFound, "not found")
	case types.KindConflict:
		writeError(w, http.StatusConflict, err.Error())
	case types.KindUnauthorized:
		writeError(w, http.StatusUnauthorized, err.Error())
	case types.KindInvalidState:
		writeError(w, http.StatusNotFound, err.Error())
	default:
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
