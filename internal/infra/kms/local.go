package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Keystore: формат файла локального хранилища KEK.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64(32 байта)
}

// LocalKMS: файловый KMS для разработки и тестов.
// Блоб: версия (4 байта BE) || nonce || AES-256-GCM(plaintext, aad=keyName).
// Версия зашита в блоб, поэтому Decrypt сам находит нужный ключ, как и облачный.
type LocalKMS struct {
	mu    sync.RWMutex
	store Keystore
	path  string // пусто, только память
	keys  map[int][]byte
}

// NewLocalKMS загружает keystore или создает новый с версией 1.
func NewLocalKMS(keystorePath string) (*LocalKMS, error) {
	k := &LocalKMS{path: keystorePath, keys: make(map[int][]byte)}

	if keystorePath != "" {
		data, err := os.ReadFile(keystorePath)
		switch {
		case err == nil:
			return k, k.load(data)
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("kms: read keystore: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(keystorePath), 0o700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
	}

	k.store = Keystore{Keys: map[string]string{}}
	if _, err := k.addVersion(1); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *LocalKMS) load(data []byte) error {
	if err := json.Unmarshal(data, &k.store); err != nil {
		return fmt.Errorf("kms: parse keystore: %w", err)
	}
	for vStr, encoded := range k.store.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != 32 {
			return fmt.Errorf("kms: key v%d invalid length %d (need 32)", v, len(key))
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[k.store.ActiveVersion]; !ok {
		return fmt.Errorf("kms: active version %d not in keystore", k.store.ActiveVersion)
	}
	return nil
}

// Rotate создает новую активную версию. Старые остаются для развертки.
func (k *LocalKMS) Rotate() (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.addVersion(k.store.ActiveVersion + 1)
}

// addVersion вызывается под k.mu (или до публикации объекта).
func (k *LocalKMS) addVersion(v int) (int, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return 0, fmt.Errorf("kms: generate key: %w", err)
	}
	k.store.Keys[strconv.Itoa(v)] = base64.StdEncoding.EncodeToString(key)
	k.store.ActiveVersion = v
	k.keys[v] = key

	if err := k.persist(); err != nil {
		return 0, err
	}
	return v, nil
}

func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.store.ActiveVersion
}

func (k *LocalKMS) Encrypt(ctx context.Context, keyName string, plaintext []byte) ([]byte, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}

	k.mu.RLock()
	version := k.store.ActiveVersion
	key := k.keys[version]
	k.mu.RUnlock()

	gcm, err := newGCM(key)
	if err != nil {
		return nil, "", err
	}

	out := make([]byte, 4+gcm.NonceSize(), 4+gcm.NonceSize()+len(plaintext)+gcm.Overhead())
	binary.BigEndian.PutUint32(out[:4], uint32(version))
	nonce := out[4:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, "", fmt.Errorf("kms: nonce: %w", err)
	}
	out = gcm.Seal(out, nonce, plaintext, []byte(keyName))

	return out, fmt.Sprintf("%s/cryptoKeyVersions/%d", keyName, version), nil
}

func (k *LocalKMS) Decrypt(ctx context.Context, keyName string, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(ciphertext) < 4 {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	version := int(binary.BigEndian.Uint32(ciphertext[:4]))

	k.mu.RLock()
	key, ok := k.keys[version]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown key version %d", ErrInvalidCiphertext, version)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	body := ciphertext[4:]
	if len(body) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	nonce, ct := body[:gcm.NonceSize()], body[gcm.NonceSize():]

	pt, err := gcm.Open(nil, nonce, ct, []byte(keyName))
	if err != nil {
		return nil, fmt.Errorf("%w: unwrap: %v", ErrInvalidCiphertext, err)
	}
	return pt, nil
}

// persist пишет keystore на диск с правами 0600.
func (k *LocalKMS) persist() error {
	if k.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(k.store, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.WriteFile(k.path, data, 0o600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	return nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}
