// Package secret は外部カレンダーURLを保存時に保護するための認証付き暗号を提供する。
//
// カレンダーURLにはプロバイダーが発行したアクセストークンが含まれることが多く、
// 事実上の秘密情報として扱う。暗号化にはXChaCha20-Poly1305を使用し、
// 改ざんされたblobは必ず復号エラーとして検出される。
package secret

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/hitoshi/vendorcal/internal/model"
)

const (
	// blobVersion はblobの先頭に付与するフォーマットバージョン。
	blobVersion = "v1."

	// MinKeyLength は鍵素材として受け付ける最小バイト数。
	MinKeyLength = 32

	// hkdfInfo は鍵導出時のコンテキストラベル。変更すると既存blobは復号できなくなる。
	hkdfInfo = "vendorcal calendar-url v1"
)

// ErrKeyTooShort は鍵素材が短すぎる場合のエラー。
var ErrKeyTooShort = fmt.Errorf("encryption key must be at least %d bytes", MinKeyLength)

// Codec はカレンダーURLの暗号化・復号のインターフェース。
type Codec interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(blob string) (string, error)
}

// AEADCodec はXChaCha20-Poly1305によるCodecの実装。
// 暗号化は常にプライマリ鍵で行い、復号はプライマリ鍵、旧鍵の順に試行する。
// 内部状態は生成後に変更されないため、並行利用して安全。
type AEADCodec struct {
	primary  keyedAEAD
	previous []keyedAEAD
	random   io.Reader
}

type keyedAEAD struct {
	aead cipher.AEAD
}

// NewAEADCodec はプライマリ鍵と、復号専用の旧鍵からCodecを生成する。
// 鍵素材はHKDF-SHA256で32バイトの暗号鍵に導出する。
func NewAEADCodec(primaryKey string, previousKeys ...string) (*AEADCodec, error) {
	primary, err := newKeyedAEAD(primaryKey)
	if err != nil {
		return nil, err
	}

	c := &AEADCodec{
		primary: primary,
		random:  rand.Reader,
	}

	for _, k := range previousKeys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		prev, err := newKeyedAEAD(k)
		if err != nil {
			return nil, fmt.Errorf("previous key: %w", err)
		}
		c.previous = append(c.previous, prev)
	}

	return c, nil
}

func newKeyedAEAD(material string) (keyedAEAD, error) {
	if len(material) < MinKeyLength {
		return keyedAEAD{}, ErrKeyTooShort
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(material), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return keyedAEAD{}, fmt.Errorf("failed to derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return keyedAEAD{}, fmt.Errorf("failed to create cipher: %w", err)
	}
	return keyedAEAD{aead: aead}, nil
}

// Encrypt は平文をランダムnonceで暗号化し、"v1." + base64url(nonce‖ciphertext) を返す。
func (c *AEADCodec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.primary.aead.NonceSize(), c.primary.aead.NonceSize()+len(plaintext)+c.primary.aead.Overhead())
	if _, err := io.ReadFull(c.random, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.primary.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return blobVersion + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt はblobを復号する。
// blobの形式不正、認証タグの検証失敗、鍵の不一致はすべて*model.DecryptionErrorとなる。
func (c *AEADCodec) Decrypt(blob string) (string, error) {
	plaintext, _, err := c.open(blob)
	return plaintext, err
}

// NeedsRotation はblobが旧鍵で暗号化されているかを返す。
// 復号できないblobに対してはエラーを返す。
func (c *AEADCodec) NeedsRotation(blob string) (bool, error) {
	_, rotated, err := c.open(blob)
	if err != nil {
		return false, err
	}
	return rotated, nil
}

// open はblobを復号し、旧鍵で復号できた場合はrotated=trueを返す。
func (c *AEADCodec) open(blob string) (plaintext string, rotated bool, err error) {
	if blob == "" {
		return "", false, &model.DecryptionError{Reason: model.DecryptReasonNoKey}
	}
	if !strings.HasPrefix(blob, blobVersion) {
		if strings.Contains(blob, ".") {
			return "", false, &model.DecryptionError{Reason: model.DecryptReasonUnsupportedVersion}
		}
		return "", false, &model.DecryptionError{Reason: model.DecryptReasonMalformed}
	}

	// 末尾の未使用ビットの改ざんも検出するためStrictで復号する
	raw, decodeErr := base64.RawURLEncoding.Strict().DecodeString(strings.TrimPrefix(blob, blobVersion))
	if decodeErr != nil {
		return "", false, &model.DecryptionError{Reason: model.DecryptReasonMalformed}
	}

	nonceSize := c.primary.aead.NonceSize()
	if len(raw) < nonceSize+c.primary.aead.Overhead() {
		return "", false, &model.DecryptionError{Reason: model.DecryptReasonMalformed}
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	if out, openErr := c.primary.aead.Open(nil, nonce, ciphertext, nil); openErr == nil {
		return string(out), false, nil
	}
	for _, prev := range c.previous {
		if out, openErr := prev.aead.Open(nil, nonce, ciphertext, nil); openErr == nil {
			return string(out), true, nil
		}
	}

	return "", false, &model.DecryptionError{Reason: model.DecryptReasonAuthFailed}
}

// compile-time interface check
var _ Codec = (*AEADCodec)(nil)
