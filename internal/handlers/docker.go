package handlers

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// GetDockerInfo reports the remote daemon's info. It refuses while the
// tunnel is not connected.
func GetDockerInfo(w http.ResponseWriter, r *http.Request) {
	env, ok := ConnMgr.ConnectedEnvironment()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "Not connected to a remote environment")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 15*time.Second)
	defer cancel()

	info, err := Docker.SystemInfo(ctx, env.Host())
	if err != nil {
		log.WithError(err).WithField("env", env.ID).Warn("Docker info failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}
