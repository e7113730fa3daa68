// Package vault encrypts reusable session credentials. Two schemes are used:
// AES-GCM for the short-lived stash in the ongoing-import registry (the
// process holds the symmetric key), and RSA-OAEP for stored auto-import
// credentials, which only the out-of-band private key can open.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"time"
)

// nonceSize matches the 16-byte nonces written by earlier deployments; the
// registry still holds rows sealed with them.
const nonceSize = 16

// HashKey returns the hex SHA-256 of a plaintext credential, used as its
// identity in the registry and the stored-credential table.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

type sealedKey struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Vault holds the symmetric registry key and the public half of the storage
// keypair. The private half is never part of a Vault.
type Vault struct {
	aead   cipher.AEAD
	rsaPub *rsa.PublicKey
}

// New builds a Vault from a base64 AES key and an optional base64 DER public
// key. An empty public key disables SealForStorage.
func New(aesKeyB64, rsaPubB64 string) (*Vault, error) {
	aesKey, err := base64.StdEncoding.DecodeString(aesKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode aes key: %w", err)
	}
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	v := &Vault{aead: aead}
	if rsaPubB64 != "" {
		pub, err := parsePublicKey(rsaPubB64)
		if err != nil {
			return nil, err
		}
		v.rsaPub = pub
	}
	return v, nil
}

// Seal encrypts a credential for the ongoing-import registry. The nonce mixes
// a monotone time component with random bytes so concurrent seals under the
// same key never collide.
func (v *Vault) Seal(sessionKey string) (string, error) {
	nonce := makeNonce()
	ct := v.aead.Seal(nil, nonce, []byte(sessionKey), nil)
	payload, err := json.Marshal(sealedKey{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ct),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed key: %w", err)
	}
	return string(payload), nil
}

// Open reverses Seal.
func (v *Vault) Open(payload string) (string, error) {
	var sk sealedKey
	if err := json.Unmarshal([]byte(payload), &sk); err != nil {
		return "", fmt.Errorf("unmarshal sealed key: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sk.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(sk.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	pt, err := v.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed key: %w", err)
	}
	return string(pt), nil
}

// SealForStorage encrypts a credential with the public storage key for the
// stored auto-import credential table.
func (v *Vault) SealForStorage(sessionKey string) (string, error) {
	if v.rsaPub == nil {
		return "", fmt.Errorf("no storage public key configured")
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, v.rsaPub, []byte(sessionKey), nil)
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// OpenStored decrypts a stored credential with the private key supplied at
// scheduler invocation time.
func OpenStored(payloadB64 string, priv *rsa.PrivateKey) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", fmt.Errorf("decode stored credential: %w", err)
	}
	pt, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("rsa decrypt: %w", err)
	}
	return string(pt), nil
}

// ParsePrivateKey accepts a PEM block or raw base64 DER, in PKCS#1 or PKCS#8
// form.
func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	der := raw
	if block, _ := pem.Decode(raw); block != nil {
		der = block.Bytes
	} else if decoded, err := base64.StdEncoding.DecodeString(string(raw)); err == nil {
		der = decoded
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return key, nil
}

func parsePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return key, nil
}

func makeNonce() []byte {
	nonce := make([]byte, nonceSize)
	binary.LittleEndian.PutUint64(nonce[:8], uint64(time.Now().UnixMicro()))
	if _, err := rand.Read(nonce[8:]); err != nil {
		// rand.Read never fails on supported platforms.
		panic(err)
	}
	return nonce
}
