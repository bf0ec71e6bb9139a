// Package manifest loads and saves the process-wide defaults described in
// spec.md §3: subscription/resource-group/SSH defaults read once from
// disk and thereafter treated as read-mostly configuration.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	homedir "github.com/mitchellh/go-homedir"
)

// dirName and fileName make up spec.md §6's on-disk layout:
// <home>/.azmanagers/manifest.json.
const (
	dirName  = ".azmanagers"
	fileName = "manifest.json"

	dirMode  = 0o700
	fileMode = 0o600
)

// Manifest holds the recognized keys from spec.md §3. Any of them may be
// empty, in which case the caller is expected to require the value be
// supplied explicitly for that operation.
type Manifest struct {
	ResourceGroup     string `json:"resourcegroup,omitempty"`
	SubscriptionID    string `json:"subscriptionid,omitempty"`
	SSHUser           string `json:"ssh_user,omitempty"`
	SSHPublicKeyFile  string `json:"ssh_public_key_file,omitempty"`
	SSHPrivateKeyFile string `json:"ssh_private_key_file,omitempty"`
}

var (
	once   sync.Once
	loaded *Manifest
	loadErr error
)

// Path returns the absolute path to manifest.json, expanding ~.
func Path() (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("manifest: resolving home directory: %w", err)
	}
	return filepath.Join(home, dirName, fileName), nil
}

// Load reads the manifest from disk once and caches the outcome of that
// first read process-wide (spec.md §3: "persisted, process-wide after first
// read"); a failed first read is cached too, and later calls return the
// same error. A missing file is not an error; it yields a zero-value
// Manifest so callers fall back to requiring explicit values.
func Load() (*Manifest, error) {
	once.Do(func() {
		loaded, loadErr = loadFromDisk()
	})
	return loaded, loadErr
}

// Reload forces a re-read from disk, used by the master's SIGHUP handler.
func Reload() (*Manifest, error) {
	m, err := loadFromDisk()
	if err != nil {
		return nil, err
	}
	loaded = m
	return m, nil
}

func loadFromDisk() (*Manifest, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Manifest{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: decoding %s: %w", path, err)
	}
	return &m, nil
}

// Save persists the manifest with owner-only permissions, creating the
// parent directory (also owner-only) if necessary.
func Save(m *Manifest) error {
	path, err := Path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return fmt.Errorf("manifest: creating %s: %w", filepath.Dir(path), err)
	}

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: encoding: %w", err)
	}

	if err := os.WriteFile(path, raw, fileMode); err != nil {
		return fmt.Errorf("manifest: writing %s: %w", path, err)
	}

	loaded = m
	return nil
}
