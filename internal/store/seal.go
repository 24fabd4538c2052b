package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/quotaguard/quotamux/internal/models"
)

// EnvelopePrefix marks an encrypted value.
const EnvelopePrefix = "enc:v1:"

const (
	kdfIterations = 210_000
	saltSize      = 16
)

// ErrEnvelope is returned for envelopes that cannot be decoded or authenticated.
var ErrEnvelope = errors.New("invalid secret envelope")

// Sealer encrypts secrets with XChaCha20-Poly1305.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer creates a Sealer from a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// DeriveKey stretches a passphrase into a cipher key.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
}

// NewSalt returns random salt for DeriveKey.
func NewSalt() []byte {
	salt := make([]byte, saltSize)
	_, _ = rand.Read(salt)
	return salt
}

// LoadOrCreateKeyFile reads a hex-encoded key, generating one with mode 0600
// when the file does not exist.
func LoadOrCreateKeyFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("key file %s does not hold a %d-byte hex key", path, chacha20poly1305.KeySize)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	key := make([]byte, chacha20poly1305.KeySize)
	_, _ = rand.Read(key)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		return nil, err
	}
	return key, nil
}

// IsSealed reports whether value is an envelope.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}

// Seal encrypts plaintext into an envelope. Empty values stay empty.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonceSize := s.aead.NonceSize()
	buf := make([]byte, nonceSize, nonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := s.aead.Seal(buf, buf[:nonceSize], []byte(plaintext), nil)
	return EnvelopePrefix + base64.RawURLEncoding.EncodeToString(out), nil
}

// Open decrypts an envelope. Values without the envelope prefix are returned
// unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, EnvelopePrefix))
	if err != nil {
		return "", ErrEnvelope
	}
	nonceSize := s.aead.NonceSize()
	if len(raw) < nonceSize+s.aead.Overhead() {
		return "", ErrEnvelope
	}
	plain, err := s.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrEnvelope
	}
	return string(plain), nil
}

// sealState returns a copy of state with every secret sealed.
func (s *Sealer) sealState(state *models.ConnectorState) (*models.ConnectorState, error) {
	out := state.Clone()
	var err error
	if out.ConnectorKey, err = s.Seal(out.ConnectorKey); err != nil {
		return nil, err
	}
	for i := range out.Accounts {
		acc := &out.Accounts[i]
		if acc.AccessToken, err = s.Seal(acc.AccessToken); err != nil {
			return nil, err
		}
		if acc.RefreshToken, err = s.Seal(acc.RefreshToken); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// openState decrypts every secret in place. legacy reports whether any secret
// was stored in plaintext and needs to be re-sealed.
func (s *Sealer) openState(state *models.ConnectorState) (legacy bool, err error) {
	open := func(v *string) error {
		if *v == "" {
			return nil
		}
		if !IsSealed(*v) {
			legacy = true
			return nil
		}
		plain, err := s.Open(*v)
		if err != nil {
			return err
		}
		*v = plain
		return nil
	}

	if err := open(&state.ConnectorKey); err != nil {
		return false, fmt.Errorf("connector key: %w", err)
	}
	for i := range state.Accounts {
		acc := &state.Accounts[i]
		if err := open(&acc.AccessToken); err != nil {
			return false, fmt.Errorf("account %s access token: %w", acc.ID, err)
		}
		if err := open(&acc.RefreshToken); err != nil {
			return false, fmt.Errorf("account %s refresh token: %w", acc.ID, err)
		}
	}
	return legacy, nil
}
