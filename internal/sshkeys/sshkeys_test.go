package sshkeys

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shoenig/test/must"
)

func TestEnsureKeyPair_Generates(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub := filepath.Join(dir, "id_ed25519.pub")

	pair, err := EnsureKeyPair(priv, pub)
	must.NoError(t, err)
	must.Eq(t, priv, pair.PrivateKeyPath)
	must.Eq(t, pub, pair.PublicKeyPath)
	must.StrContains(t, pair.AuthorizedKeyLine, "ssh-ed25519 ")

	_, err = os.Stat(priv)
	must.NoError(t, err)
}

func TestEnsureKeyPair_ReusesExisting(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub := filepath.Join(dir, "id_ed25519.pub")

	first, err := EnsureKeyPair(priv, pub)
	must.NoError(t, err)

	second, err := EnsureKeyPair(priv, pub)
	must.NoError(t, err)
	must.Eq(t, first.AuthorizedKeyLine, second.AuthorizedKeyLine)
}

func TestEnsureKeyPair_MissingPublicCompanion(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub := filepath.Join(dir, "id_ed25519.pub")

	must.NoError(t, os.WriteFile(priv, []byte("not a real key"), 0o600))

	_, err := EnsureKeyPair(priv, pub)
	must.Error(t, err)
	must.True(t, strings.Contains(err.Error(), "without a public counterpart"))
}
