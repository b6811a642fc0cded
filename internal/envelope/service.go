// Package envelope wraps per-room keys under the process master key.
//
// Only the wrapped form of a room key is ever persisted. The plaintext key is
// produced on demand for a freshly authenticated participant or for audit
// decryption, and is never cached here.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/PeeBee66/chittychattychat/internal/apperr"
	"github.com/PeeBee66/chittychattychat/internal/models"
)

const (
	MasterKeyEnv = "MASTER_KEY"
	KeySize      = 32
)

var errInvalidCiphertext = errors.New("invalid ciphertext")

// KeyStore persists wrapped room keys.
type KeyStore interface {
	PutWrappedKey(ctx context.Context, roomID string, wrapped []byte, createdAt time.Time) error
	GetWrappedKey(ctx context.Context, roomID string) ([]byte, error)
}

// Service mints and unwraps room keys.
type Service struct {
	aead  cipher.AEAD
	store KeyStore
}

// NewService builds the service from a base64 master key. A missing or
// malformed key is a startup failure.
func NewService(masterKey string, store KeyStore) (*Service, error) {
	raw := strings.TrimSpace(masterKey)
	if raw == "" {
		return nil, fmt.Errorf("%s not set", MasterKeyEnv)
	}
	key, err := DecodeMasterKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", MasterKeyEnv, err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &Service{aead: aead, store: store}, nil
}

// DecodeMasterKey decodes a base64 master key and checks its width.
func DecodeMasterKey(raw string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	return key, nil
}

// GenerateMasterKey returns a fresh base64 master key.
func GenerateMasterKey() (string, error) {
	key, err := randomKey()
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return aead, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// Mint generates a room key, persists its wrapped form and returns the
// plaintext key.
func (s *Service) Mint(ctx context.Context, roomID string) ([]byte, error) {
	key, err := randomKey()
	if err != nil {
		return nil, err
	}
	wrapped, err := s.wrap(key)
	if err != nil {
		return nil, err
	}
	if err := s.store.PutWrappedKey(ctx, roomID, wrapped, time.Now().UTC()); err != nil {
		return nil, err
	}
	return key, nil
}

// Unwrap returns the plaintext room key. A missing key yields
// apperr.ErrKeyNotFound; a failed authentication check yields
// apperr.ErrKeyIntegrity.
func (s *Service) Unwrap(ctx context.Context, roomID string) ([]byte, error) {
	wrapped, err := s.store.GetWrappedKey(ctx, roomID)
	if err != nil {
		return nil, err
	}
	key, err := s.unwrap(wrapped)
	if err != nil {
		slog.Error("room key failed authentication", "room_id", roomID)
		return nil, apperr.Wrap(apperr.CodeKeyIntegrity, "room key failed authentication", err)
	}
	return key, nil
}

// wrap returns nonce || ciphertext || tag.
func (s *Service) wrap(key []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, key, nil), nil
}

func (s *Service) unwrap(wrapped []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(wrapped) < ns+s.aead.Overhead() {
		return nil, errInvalidCiphertext
	}
	key, err := s.aead.Open(nil, wrapped[:ns], wrapped[ns:], nil)
	if err != nil {
		return nil, errInvalidCiphertext
	}
	if len(key) != KeySize {
		return nil, errInvalidCiphertext
	}
	return key, nil
}

// SealMessage encrypts plaintext under a room key the way clients do,
// returning the ciphertext with the GCM tag split off.
func SealMessage(roomKey, plaintext []byte) (ciphertext, nonce, tag []byte, err error) {
	aead, err := newAEAD(roomKey)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce = make([]byte, models.NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - models.TagSize
	return sealed[:split], nonce, sealed[split:], nil
}

// OpenMessage decrypts a message envelope with its room key.
func OpenMessage(roomKey, ciphertext, nonce, tag []byte) ([]byte, error) {
	if len(nonce) != models.NonceSize || len(tag) != models.TagSize {
		return nil, errInvalidCiphertext
	}
	aead, err := newAEAD(roomKey)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errInvalidCiphertext
	}
	return plain, nil
}
