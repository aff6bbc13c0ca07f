package sshkeys

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyMismatchError is returned when a host presents a key different from
// the one recorded in known_hosts.
type HostKeyMismatchError struct {
	Host        string
	Fingerprint string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key for %s changed (got %s); remove the stale known_hosts entry if this is expected", e.Host, e.Fingerprint)
}

var knownHostsMu sync.Mutex

// AcceptNewHostKeyCallback implements StrictHostKeyChecking=accept-new:
// unknown hosts are trusted and recorded, known hosts must match.
func AcceptNewHostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("create known_hosts: %w", err)
	}
	f.Close()

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		knownHostsMu.Lock()
		defer knownHostsMu.Unlock()

		// Re-read each time so entries written by earlier dials are seen.
		check, err := knownhosts.New(path)
		if err != nil {
			return fmt.Errorf("load known_hosts: %w", err)
		}

		err = check(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			return &HostKeyMismatchError{Host: hostname, Fingerprint: ssh.FingerprintSHA256(key)}
		}

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		kh, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open known_hosts: %w", err)
		}
		defer kh.Close()
		if _, err := kh.WriteString(line + "\n"); err != nil {
			return fmt.Errorf("record host key: %w", err)
		}
		log.WithFields(log.Fields{
			"host":        hostname,
			"fingerprint": ssh.FingerprintSHA256(key),
		}).Info("Added new host to known_hosts")
		return nil
	}, nil
}
