package handlers

import (
	"net/http"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"github.com/anubissbe/remote-docker-continued/internal/logging"
	log "github.com/sirupsen/logrus"
)

func GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnMgr.Settings())
}

func UpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body environment.Settings
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Environments == nil {
		body.Environments = []environment.Environment{}
	}

	if err := ConnMgr.UpdateSettings(r.Context(), body); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnMgr.Settings())
}

type addEnvironmentRequest struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname"`
	Username string `json:"username"`
}

func AddEnvironment(w http.ResponseWriter, r *http.Request) {
	var body addEnvironmentRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	env, err := ConnMgr.AddEnvironment(r.Context(), environment.Environment{
		Name:        body.Name,
		HostAddress: body.Hostname,
		Principal:   body.Username,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	log.WithFields(log.Fields{"env": env.ID, "host": logging.Sanitize(env.Host().Key())}).Info("Environment added")
	writeJSON(w, http.StatusCreated, env)
}

type selectRequest struct {
	ID string `json:"id"`
}

// SelectEnvironment switches the active environment. Tunnel failures are
// reported through the returned state, not the status code.
func SelectEnvironment(w http.ResponseWriter, r *http.Request) {
	var body selectRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := ConnMgr.SelectEnvironment(r.Context(), body.ID); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStateResponse())
}

func GetActiveEnvironment(w http.ResponseWriter, r *http.Request) {
	env, ok := ConnMgr.ActiveEnvironment()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"environment": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"environment": env})
}

func SetAutoConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AutoConnect bool `json:"autoConnect"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := ConnMgr.SetAutoConnect(r.Context(), body.AutoConnect); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConnMgr.Settings())
}
