package remote

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// keyBits is the RSA modulus size of generated keys.
const keyBits = 2048

// PublicKeyPath returns the path of the public half written next to a private key.
func PublicKeyPath(privateKeyPath string) string {
	return privateKeyPath + ".pub"
}

// GenerateKeyPair writes a fresh RSA private key to path in OpenSSH format
// and its public half, in authorized_keys format, to path + ".pub". Existing
// files are replaced. The parent directory is created if missing.
func GenerateKeyPair(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(key, "tailor")
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to derive public key: %w", err)
	}

	for _, p := range []string{path, PublicKeyPath(path)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove old key %s: %w", p, err)
		}
	}

	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	if err := os.WriteFile(PublicKeyPath(path), ssh.MarshalAuthorizedKey(pub), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

// LoadSigner reads and parses a private key file.
func LoadSigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}
	return signer, nil
}
