package config

import (
	"log"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/root/docker-extension"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	SocketPath   string `envconfig:"SOCKET_PATH" default:"/run/guest-services/backend.sock"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	// Connection manager
	CheckInterval  time.Duration `envconfig:"CHECK_INTERVAL" default:"5s"`
	RegainDebounce time.Duration `envconfig:"REGAIN_DEBOUNCE" default:"100ms"`

	// SSH tunnel settings
	SSHConnectTimeout    time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	SSHKeepaliveInterval time.Duration `envconfig:"SSH_KEEPALIVE_INTERVAL" default:"30s"`
	SSHPort              int           `envconfig:"SSH_PORT" default:"22"`
	IdleTimeout          time.Duration `envconfig:"IDLE_TIMEOUT" default:"120m"`
	IdleCheckSchedule    string        `envconfig:"IDLE_CHECK_SCHEDULE" default:"@every 10m"`

	DockerSocket       string `envconfig:"DOCKER_SOCKET" default:"/var/run/docker.sock"`
	CatalogFile        string `envconfig:"CATALOG_FILE" default:""`
	LegacySettingsPath string `envconfig:"LEGACY_SETTINGS_PATH" default:"/root/docker-extension/settings.json"`
	MetricsEnabled     bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("REMOTE_DOCKER", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	Cfg.applyDerived()
}

// applyDerived fills in paths that default relative to DataPath.
func (s *Settings) applyDerived() {
	if s.DatabasePath == "" {
		s.DatabasePath = filepath.Join(s.DataPath, "remote-docker.db")
	}
	if s.LogPath == "" {
		s.LogPath = filepath.Join(s.DataPath, "remote-docker.log")
	}
}

// KnownHostsPath is where accepted SSH host keys are recorded.
func (s *Settings) KnownHostsPath() string {
	return filepath.Join(s.DataPath, ".ssh", "known_hosts")
}

// KeyDir holds the backend's own SSH key pair.
func (s *Settings) KeyDir() string {
	return filepath.Join(s.DataPath, ".ssh")
}
