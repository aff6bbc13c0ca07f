package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/anubissbe/remote-docker-continued/internal/connmgr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	return dec.Decode(v)
}

// writeManagerError maps connection manager sentinels to status codes.
func writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, connmgr.ErrOperationInFlight):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, connmgr.ErrUnknownEnvironment):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, connmgr.ErrNoActiveEnvironment):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, connmgr.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
