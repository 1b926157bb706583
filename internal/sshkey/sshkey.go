// Package sshkey pre-seeds SSH host keys into the installed system, so first
// boot from slow USB media does not stall on key generation.
package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Seed writes an ed25519 host key pair into sshDir (the installed system's
// /etc/ssh). If the key already exists, it does nothing.
var Seed = func(sshDir string) error {
	keyPath := filepath.Join(sshDir, "ssh_host_ed25519_key")
	if _, err := os.Stat(keyPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(sshDir, 0o755); err != nil {
		return fmt.Errorf("failed to create ssh directory: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate host key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return fmt.Errorf("failed to marshal host key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write host key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to derive public host key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return fmt.Errorf("failed to write public host key: %w", err)
	}

	return nil
}
