package remote

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGenerateKeyPair(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "tailor", "id_rsa-icicle-gen")

	require.NoError(t, GenerateKeyPair(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	signer, err := LoadSigner(path)
	require.NoError(t, err)

	pubData, err := os.ReadFile(PublicKeyPath(path))
	require.NoError(t, err)
	pub, _, _, _, err := ssh.ParseAuthorizedKey(pubData)
	require.NoError(t, err)

	assert.Equal(t, signer.PublicKey().Marshal(), pub.Marshal())
	assert.Equal(t, ssh.KeyAlgoRSA, pub.Type())
}

func TestGenerateKeyPair_Regenerates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_rsa")

	require.NoError(t, GenerateKeyPair(path))
	first, err := os.ReadFile(PublicKeyPath(path))
	require.NoError(t, err)

	require.NoError(t, GenerateKeyPair(path))
	second, err := os.ReadFile(PublicKeyPath(path))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestLoadSigner_Garbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := LoadSigner(path)
	assert.Error(t, err)
}
