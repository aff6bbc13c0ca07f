package handlers

import (
	"context"

	"github.com/anubissbe/remote-docker-continued/internal/connmgr"
	"github.com/anubissbe/remote-docker-continued/internal/dockerremote"
	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"github.com/anubissbe/remote-docker-continued/internal/lifecycle"
	"github.com/anubissbe/remote-docker-continued/internal/sshtunnel"
)

// TunnelInspector exposes the raw tunnel view for diagnostics endpoints.
type TunnelInspector interface {
	List() []sshtunnel.ConnectionInfo
	Status(ctx context.Context, host environment.Host) bool
}

// DockerInfoSource fetches daemon info from a remote environment.
type DockerInfoSource interface {
	SystemInfo(ctx context.Context, host environment.Host) (*dockerremote.Info, error)
}

// Wired by main.
var (
	ConnMgr   *connmgr.Manager
	Tunnels   TunnelInspector
	Lifecycle *lifecycle.Bus
	Docker    DockerInfoSource
)
