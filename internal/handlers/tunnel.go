package handlers

import (
	"net/http"

	"github.com/anubissbe/remote-docker-continued/internal/connmgr"
	"github.com/anubissbe/remote-docker-continued/internal/environment"
)

type stateResponse struct {
	connmgr.TunnelState
	IsConnected bool                     `json:"isConnected"`
	Active      *environment.Environment `json:"activeEnvironment"`
}

func tunnelStateResponse() stateResponse {
	resp := stateResponse{
		TunnelState: ConnMgr.State(),
		IsConnected: ConnMgr.IsConnected(),
	}
	if env, ok := ConnMgr.ActiveEnvironment(); ok {
		resp.Active = &env
	}
	return resp
}

func GetTunnelState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, tunnelStateResponse())
}

func GetTunnelTransitions(w http.ResponseWriter, r *http.Request) {
	transitions := ConnMgr.Transitions()
	if transitions == nil {
		transitions = []connmgr.Transition{}
	}
	writeJSON(w, http.StatusOK, transitions)
}

func DisconnectTunnel(w http.ResponseWriter, r *http.Request) {
	if err := ConnMgr.ManualDisconnect(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStateResponse())
}

func ReconnectTunnel(w http.ResponseWriter, r *http.Request) {
	if err := ConnMgr.ManualReconnect(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tunnelStateResponse())
}

// GetTunnelStatus probes the raw tunnel for an arbitrary host, bypassing the
// manager's state.
func GetTunnelStatus(w http.ResponseWriter, r *http.Request) {
	host := environment.Host{
		Address:   r.URL.Query().Get("hostname"),
		Principal: r.URL.Query().Get("username"),
	}
	if err := host.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active": Tunnels.Status(r.Context(), host),
		"key":    host.Key(),
	})
}

func ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": Tunnels.List(),
	})
}
