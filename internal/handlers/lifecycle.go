package handlers

import (
	"net/http"

	"github.com/anubissbe/remote-docker-continued/internal/lifecycle"
	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
)

// PublishLifecycle forwards a host-shell signal posted by the UI.
func PublishLifecycle(w http.ResponseWriter, r *http.Request) {
	e, err := lifecycle.ParseEvent(chi.URLParam(r, "event"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	log.WithField("event", e).Debug("Lifecycle signal")
	Lifecycle.Publish(e)
	w.WriteHeader(http.StatusAccepted)
}
