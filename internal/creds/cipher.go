package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// 所有部署共享同一盐值，保证各服务可以互相解密同一份凭据。
var kdfSalt = []byte("pocket-option-login-encryption")

const kdfIterations = 100_000

// ErrDecrypt 表示密文损坏或密钥不匹配。
var ErrDecrypt = errors.New("creds: 凭据解密失败")

// Decrypter 为注册中心消费的最小接口。
type Decrypter interface {
	Decrypt(ciphertext string) (string, error)
}

// Cipher 基于口令派生密钥的对称加解密器（PBKDF2-SHA256 + AES-256-GCM）。
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 由部署口令派生密钥并构造加解密器。
func NewCipher(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("creds: 加密口令不能为空")
	}

	key := pbkdf2.Key([]byte(passphrase), kdfSalt, kdfIterations, 32, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creds: 初始化AES失败: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creds: 初始化GCM失败: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt 加密明文，输出 base64(nonce || ciphertext)。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("creds: 生成随机数失败: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密由 Encrypt 产出的密文。任何解析或校验失败均归类为 ErrDecrypt，
// 上层据此将用户移出活跃集而不是反复重试。
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("%w: 密文过短", ErrDecrypt)
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}
