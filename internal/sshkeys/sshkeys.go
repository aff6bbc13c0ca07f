// Package sshkeys manages the client identity used to reach remote
// environments and the known_hosts policy applied to them.
//
// The backend owns one ED25519 key pair under the data directory
// (ssh_key / ssh_key.pub). Users add ssh_key.pub to authorized_keys on each
// remote host. Standard identity files dropped next to it (id_ed25519,
// id_ecdsa, id_rsa) are offered too, as long as they are not passphrase
// protected.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	privateKeyFile = "ssh_key"
	publicKeyFile  = "ssh_key.pub"
)

var identityFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// GenerateKeyPair generates an ED25519 key pair and returns the PEM-encoded
// private key and OpenSSH-format public key.
func GenerateKeyPair() (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	privateKeyPEM = pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: privBytes,
	})

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	publicKey = ssh.MarshalAuthorizedKey(sshPub)

	return publicKey, privateKeyPEM, nil
}

// SaveKeyPair writes the key files into dir, creating it with 0700.
func SaveKeyPair(dir string, privateKey, publicKey []byte) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	privPath := filepath.Join(dir, privateKeyFile)
	if err := os.WriteFile(privPath, privateKey, 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	pubPath := filepath.Join(dir, publicKeyFile)
	if err := os.WriteFile(pubPath, publicKey, 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}

	log.WithField("dir", dir).Info("SSH key pair saved")
	return nil
}

// LoadPublicKey returns the backend's public key in authorized_keys format.
func LoadPublicKey(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, publicKeyFile))
	if err != nil {
		return "", fmt.Errorf("read public key: %w", err)
	}
	return string(data), nil
}

// KeyPairExists checks if both ssh_key and ssh_key.pub exist in the directory.
func KeyPairExists(dir string) bool {
	if _, err := os.Stat(filepath.Join(dir, privateKeyFile)); err != nil {
		return false
	}
	if _, err := os.Stat(filepath.Join(dir, publicKeyFile)); err != nil {
		return false
	}
	return true
}

// EnsureKeyPair creates the backend key pair on first start.
func EnsureKeyPair(dir string) error {
	if KeyPairExists(dir) {
		return nil
	}
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		return err
	}
	return SaveKeyPair(dir, priv, pub)
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer for
// SSH authentication.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// LoadSigners returns every usable identity in dir, backend key first.
// Passphrase-protected files are skipped with a warning.
func LoadSigners(dir string) ([]ssh.Signer, error) {
	var signers []ssh.Signer
	for _, name := range append([]string{privateKeyFile}, identityFiles...) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		signer, err := ParsePrivateKey(data)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				log.WithField("key", name).Warn("Skipping passphrase-protected identity")
				continue
			}
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// Fingerprint returns the SHA256 fingerprint of an authorized_keys line.
func Fingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}
	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}
	return ssh.FingerprintSHA256(parsed), nil
}
