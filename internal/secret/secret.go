// Package secret は保存するクレデンシャルの暗号化と復号を提供します。
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrMalformed は暗号文の形式が不正な場合に返されます。
var ErrMalformed = errors.New("secret: malformed ciphertext")

// Box は XChaCha20-Poly1305 による暗号化を行います。
type Box struct {
	key [chacha20poly1305.KeySize]byte
}

// NewBox は任意長の鍵文字列から SHA-256 で導出した鍵を使う Box を作成します。
func NewBox(key string) (*Box, error) {
	if key == "" {
		return nil, errors.New("secret: key is empty")
	}
	return &Box{key: sha256.Sum256([]byte(key))}, nil
}

// Encrypt は平文を暗号化し、nonce を前置した URL セーフな base64 文字列を返します。
func (b *Box) Encrypt(plain string) (string, error) {
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret: failed to read nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt は Encrypt の出力を復号します。
func (b *Box) Decrypt(encoded string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	aead, err := chacha20poly1305.NewX(b.key[:])
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secret: failed to decrypt: %w", err)
	}
	return string(plain), nil
}
