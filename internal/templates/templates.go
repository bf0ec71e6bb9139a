// Package templates implements spec.md §4.1 (component table) / §6: the
// template store loading and saving scale-set, VM, and NIC templates from
// the user config directory, keyed by name.
package templates

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/mitchellh/copystructure"

	"github.com/hashicorp/azmanagers/internal/jsontree"
)

// Kind identifies which of the three catalogs a template belongs to.
type Kind string

const (
	ScaleSet Kind = "scaleset"
	VM       Kind = "vm"
	NIC      Kind = "nic"
)

const dirName = ".azmanagers"

func fileName(kind Kind) string {
	return fmt.Sprintf("templates_%s.json", kind)
}

// Catalog is a name -> template mapping, the shape every templates_*.json
// file takes.
type Catalog map[string]jsontree.Tree

// Path returns the absolute path to the catalog file for kind.
func Path(kind Kind) (string, error) {
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("templates: resolving home directory: %w", err)
	}
	return filepath.Join(home, dirName, fileName(kind)), nil
}

// Load reads a catalog from disk. A missing file yields an empty catalog
// rather than an error, since template files are user-authored and may
// not exist until the operator creates one.
func Load(kind Kind) (Catalog, error) {
	path, err := Path(kind)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Catalog{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("templates: reading %s: %w", path, err)
	}

	var cat Catalog
	if err := json.Unmarshal(raw, &cat); err != nil {
		return nil, fmt.Errorf("templates: decoding %s: %w", path, err)
	}
	return cat, nil
}

// Save persists a catalog to disk.
func Save(kind Kind, cat Catalog) error {
	path, err := Path(kind)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("templates: creating %s: %w", filepath.Dir(path), err)
	}
	raw, err := json.MarshalIndent(cat, "", "  ")
	if err != nil {
		return fmt.Errorf("templates: encoding: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("templates: writing %s: %w", path, err)
	}
	return nil
}

// Get loads the named template from the given catalog kind.
func Get(kind Kind, name string) (jsontree.Tree, error) {
	cat, err := Load(kind)
	if err != nil {
		return nil, err
	}
	tmpl, ok := cat[name]
	if !ok {
		return nil, fmt.Errorf("templates: no %s template named %q", kind, name)
	}
	return tmpl, nil
}

// Clone deep-copies a template so a caller (the scale-set reconciler) can
// patch the copy without mutating the template it was handed.
// github.com/mitchellh/copystructure is used here instead of the
// jsontree JSON round-trip clone because templates frequently carry
// typed Go structs (e.g. already-decoded sub-trees passed around in
// memory) alongside the generic tree nodes, and copystructure handles
// both uniformly -- the same reason the teacher's config loader reaches
// for it when merging Nomad agent configs.
func Clone(tmpl jsontree.Tree) (jsontree.Tree, error) {
	copied, err := copystructure.Copy(tmpl)
	if err != nil {
		return nil, fmt.Errorf("templates: deep copy: %w", err)
	}
	return copied, nil
}
