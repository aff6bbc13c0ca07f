// Package environment defines the remote environment catalog: the hosts a user
// can point the backend at, and the durable settings record that holds the
// catalog together with the currently selected environment.
package environment

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
)

// Environment is one remote docker host reachable over SSH.
// JSON field names match what the extension UI sends and stores.
type Environment struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	HostAddress string `json:"hostname" yaml:"hostname"`
	Principal   string `json:"username" yaml:"username"`
}

// Host returns the tunnel key for the environment.
func (e Environment) Host() Host {
	return Host{Address: e.HostAddress, Principal: e.Principal}
}

// Settings is the durable record of the environment catalog and the active
// selection. An empty ActiveEnvironmentID means no environment is selected.
type Settings struct {
	Environments        []Environment `json:"environments"`
	ActiveEnvironmentID string        `json:"activeEnvironmentId,omitempty"`
	AutoConnect         bool          `json:"autoConnect"`
}

// Find returns the environment with the given id.
func (s Settings) Find(id string) (Environment, bool) {
	if id == "" {
		return Environment{}, false
	}
	for _, e := range s.Environments {
		if e.ID == id {
			return e, true
		}
	}
	return Environment{}, false
}

// Active returns the selected environment, if the selection is set and valid.
func (s Settings) Active() (Environment, bool) {
	return s.Find(s.ActiveEnvironmentID)
}

// Clone returns a deep copy so callers can mutate the result freely.
func (s Settings) Clone() Settings {
	out := s
	out.Environments = make([]Environment, len(s.Environments))
	copy(out.Environments, s.Environments)
	return out
}

// Validate checks every environment and that ids are unique. A dangling
// ActiveEnvironmentID is not an error here; it is cleared on reconciliation.
func (s Settings) Validate() error {
	seen := make(map[string]bool, len(s.Environments))
	for _, e := range s.Environments {
		if e.ID == "" {
			return fmt.Errorf("environment %q has no id", e.Name)
		}
		if seen[e.ID] {
			return fmt.Errorf("duplicate environment id %q", e.ID)
		}
		seen[e.ID] = true
		if err := e.Host().Validate(); err != nil {
			return fmt.Errorf("environment %q: %w", e.ID, err)
		}
	}
	return nil
}

// Host identifies a tunnel endpoint: the remote address and the login user.
type Host struct {
	Address   string
	Principal string
}

// Key is the principal@address string used to index tunnels.
func (h Host) Key() string {
	return h.Principal + "@" + h.Address
}

func (h Host) String() string {
	return h.Key()
}

var (
	usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
	hostnamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]*$`)
)

// ValidateUsername validates an SSH login name.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("username cannot be empty")
	}
	if len(username) > 32 {
		return fmt.Errorf("username too long")
	}
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("invalid username format")
	}
	return nil
}

// ValidateHostname validates an SSH host, optionally suffixed with :port.
func ValidateHostname(hostname string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty")
	}
	if len(hostname) > 255 {
		return fmt.Errorf("hostname too long")
	}
	host, port, err := SplitAddress(hostname, 22)
	if err != nil {
		return err
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	if !hostnamePattern.MatchString(host) {
		return fmt.Errorf("invalid hostname format")
	}
	return nil
}

// Validate checks both halves of the host key.
func (h Host) Validate() error {
	if err := ValidateUsername(h.Principal); err != nil {
		return fmt.Errorf("invalid SSH username: %w", err)
	}
	if err := ValidateHostname(h.Address); err != nil {
		return fmt.Errorf("invalid SSH hostname: %w", err)
	}
	return nil
}

// SplitAddress separates an optional :port suffix from a host address,
// falling back to defaultPort.
func SplitAddress(address string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// No port present.
		return address, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
