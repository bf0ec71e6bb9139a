// Package sshkeys generates the SSH keypair the master seeds onto every
// provisioned worker/detached VM's authorized_keys (spec.md §4.5 step 2-3,
// §4.6 step 3, §4.9 step 3). Worker-side keypair generation (the detached
// server VM generating its own user key pair) happens inline in the cloud-init
// script via ssh-keygen; this package is the master-side counterpart used
// to bootstrap ~/.azmanagers's keypair the first time it's needed.
package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// Pair is a generated keypair's on-disk locations plus the public key in
// authorized_keys format, ready to append into a VM template.
type Pair struct {
	PrivateKeyPath   string
	PublicKeyPath    string
	AuthorizedKeyLine string
}

// EnsureKeyPair returns the keypair at privateKeyPath/publicKeyPath,
// generating a fresh ed25519 pair if neither file exists yet. An
// existing private key without its public counterpart is an error: we
// never overwrite key material silently.
func EnsureKeyPair(privateKeyPath, publicKeyPath string) (*Pair, error) {
	_, privErr := os.Stat(privateKeyPath)
	_, pubErr := os.Stat(publicKeyPath)

	switch {
	case os.IsNotExist(privErr) && os.IsNotExist(pubErr):
		if err := generate(privateKeyPath, publicKeyPath); err != nil {
			return nil, err
		}
	case privErr != nil:
		return nil, fmt.Errorf("sshkeys: checking %s: %w", privateKeyPath, privErr)
	case pubErr != nil:
		return nil, fmt.Errorf("sshkeys: private key %s exists without a public counterpart at %s", privateKeyPath, publicKeyPath)
	}

	pub, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sshkeys: reading %s: %w", publicKeyPath, err)
	}

	return &Pair{
		PrivateKeyPath:    privateKeyPath,
		PublicKeyPath:     publicKeyPath,
		AuthorizedKeyLine: string(pub),
	}, nil
}

func generate(privateKeyPath, publicKeyPath string) error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("sshkeys: generating ed25519 key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("sshkeys: wrapping public key: %w", err)
	}

	pemBlock, err := sshMarshalPrivateKey(priv)
	if err != nil {
		return fmt.Errorf("sshkeys: marshaling private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return fmt.Errorf("sshkeys: creating %s: %w", filepath.Dir(privateKeyPath), err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(pemBlock), 0o600); err != nil {
		return fmt.Errorf("sshkeys: writing %s: %w", privateKeyPath, err)
	}
	if err := os.WriteFile(publicKeyPath, ssh.MarshalAuthorizedKey(sshPub), 0o644); err != nil {
		return fmt.Errorf("sshkeys: writing %s: %w", publicKeyPath, err)
	}
	return nil
}

func sshMarshalPrivateKey(priv ed25519.PrivateKey) (*pem.Block, error) {
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, err
	}
	return block, nil
}
