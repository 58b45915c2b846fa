package auraconfig

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scryptN/scryptR/scryptP are the scrypt key derivation parameters used
// to turn a passphrase into a secretbox key.
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// keySize is the secretbox key size. Agent definition files reference
// provider credentials by name; the credentials themselves are kept
// at-rest encrypted here, decrypted in memory only for the lifetime of
// the process.
const keySize = 32

// SecretStore holds provider API keys decrypted in memory for the
// lifetime of the process, loaded once from an encrypted file on disk.
type SecretStore struct {
	secrets map[string]string
}

// NewSecretStore returns an empty store; call Load to populate it from
// disk, or Set to inject secrets directly (e.g. from the environment).
func NewSecretStore() *SecretStore {
	return &SecretStore{secrets: make(map[string]string)}
}

// Set stores a secret value by name.
func (s *SecretStore) Set(name, value string) {
	s.secrets[name] = value
}

// Names returns the stored secret names, for operator listing. Values
// are never enumerated.
func (s *SecretStore) Names() []string {
	names := make([]string, 0, len(s.secrets))
	for name := range s.secrets {
		names = append(names, name)
	}
	return names
}

// Get returns a secret by name, falling back to the environment variable
// of the same name when the store has nothing for it. Precedence:
// decrypted file, then env.
func (s *SecretStore) Get(name string) (string, bool) {
	if v, ok := s.secrets[name]; ok && v != "" {
		return v, true
	}
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	return "", false
}

// encryptedFile is the on-disk encrypted secrets envelope.
type encryptedFile struct {
	Nonce      [24]byte `json:"nonce"`
	Ciphertext []byte   `json:"ciphertext"`
}

// Save encrypts the store's secrets with key and writes them to path.
func (s *SecretStore) Save(path string, key [keySize]byte) error {
	plaintext, err := json.Marshal(s.secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &key)

	data, err := json.Marshal(encryptedFile{Nonce: nonce, Ciphertext: sealed})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write secrets file %s: %w", path, err)
	}
	return nil
}

// Load decrypts the secrets file at path with key and populates the store.
// A missing file is not an error; the store is left empty.
func (s *SecretStore) Load(path string, key [keySize]byte) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read secrets file %s: %w", path, err)
	}

	var env encryptedFile
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse secrets envelope: %w", err)
	}

	plaintext, ok := secretbox.Open(nil, env.Ciphertext, &env.Nonce, &key)
	if !ok {
		return fmt.Errorf("decrypt secrets file %s: authentication failed", path)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return fmt.Errorf("parse decrypted secrets: %w", err)
	}
	s.secrets = secrets
	return nil
}

// DeriveKey expands a passphrase and per-installation salt into a
// secretbox key via scrypt. cmd/aura-ctl reads the passphrase once via a
// masked terminal prompt rather than storing it.
func DeriveKey(passphrase string, salt []byte) ([keySize]byte, error) {
	var key [keySize]byte
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return key, fmt.Errorf("derive key: %w", err)
	}
	copy(key[:], derived)
	return key, nil
}
