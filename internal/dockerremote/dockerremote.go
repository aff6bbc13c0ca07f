// Package dockerremote talks to the docker daemon of a remote environment
// through its SSH connection.
package dockerremote

import (
	"context"
	"fmt"
	"net"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-units"
)

// Dialer opens streams on the remote side of an environment's connection.
type Dialer interface {
	DialRemote(ctx context.Context, host environment.Host, network, addr string) (net.Conn, error)
}

type Client struct {
	dialer Dialer
	socket string
}

// New returns a Client that reaches the remote daemon at socket, a unix
// socket path on the remote host.
func New(d Dialer, socket string) *Client {
	return &Client{dialer: d, socket: socket}
}

// Info is the subset of the daemon's system info the UI shows.
type Info struct {
	Name              string `json:"name"`
	ServerVersion     string `json:"server_version"`
	APIVersion        string `json:"api_version"`
	OperatingSystem   string `json:"operating_system"`
	Architecture      string `json:"architecture"`
	CPUs              int    `json:"cpus"`
	Memory            string `json:"memory"`
	Containers        int    `json:"containers"`
	ContainersRunning int    `json:"containers_running"`
	Images            int    `json:"images"`
}

func (c *Client) newDockerClient(host environment.Host) (*dockerclient.Client, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.WithHost("unix://"+c.socket),
		dockerclient.WithDialContext(func(ctx context.Context, _, _ string) (net.Conn, error) {
			return c.dialer.DialRemote(ctx, host, "unix", c.socket)
		}),
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return cli, nil
}

// Ping checks that the remote daemon answers.
func (c *Client) Ping(ctx context.Context, host environment.Host) error {
	cli, err := c.newDockerClient(host)
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping on %s: %w", host.Key(), err)
	}
	return nil
}

// SystemInfo fetches daemon information from the remote host.
func (c *Client) SystemInfo(ctx context.Context, host environment.Host) (*Info, error) {
	cli, err := c.newDockerClient(host)
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	info, err := cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker info on %s: %w", host.Key(), err)
	}

	return &Info{
		Name:              info.Name,
		ServerVersion:     info.ServerVersion,
		APIVersion:        cli.ClientVersion(),
		OperatingSystem:   info.OperatingSystem,
		Architecture:      info.Architecture,
		CPUs:              info.NCPU,
		Memory:            units.BytesSize(float64(info.MemTotal)),
		Containers:        info.Containers,
		ContainersRunning: info.ContainersRunning,
		Images:            info.Images,
	}, nil
}
