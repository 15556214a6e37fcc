package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	encryptionInfo = "verifyd/seal/v1"
	indexInfo      = "verifyd/index/v1"

	// SignaturePrefix prefixes the hex digest in X-Webhook-Signature.
	SignaturePrefix = "sha256="
)

var (
	ErrEmptyMasterKey   = errors.New("master key is empty")
	ErrCiphertextShort  = errors.New("ciphertext too short")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrSignatureExpired = errors.New("webhook signature timestamp outside tolerance")
)

// CryptoService seals secrets at rest and computes deterministic indexes.
// Both keys are derived from a single master key.
type CryptoService struct {
	encryptionKey []byte
	hmacKey       []byte
}

// NewCryptoService derives AES-256 and HMAC keys from masterKey with HKDF-SHA256.
func NewCryptoService(masterKey string) (*CryptoService, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, ErrEmptyMasterKey
	}
	secret := []byte(masterKey)
	if decoded, err := hex.DecodeString(masterKey); err == nil && len(decoded) >= 16 {
		secret = decoded
	}

	encKey, err := derive(secret, encryptionInfo)
	if err != nil {
		return nil, err
	}
	hmacKey, err := derive(secret, indexInfo)
	if err != nil {
		return nil, err
	}

	return &CryptoService{
		encryptionKey: encKey,
		hmacKey:       hmacKey,
	}, nil
}

func derive(secret []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt encrypts plain text using AES-GCM
func (s *CryptoService) Encrypt(plaintext string) (string, error) {
	aesGCM, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts base64 encoded ciphertext
func (s *CryptoService) Decrypt(cryptoText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", err
	}

	aesGCM, err := s.gcm()
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", ErrCiphertextShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}

func (s *CryptoService) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// BlindIndex computes a deterministic hash for lookups such as idempotency keys
func (s *CryptoService) BlindIndex(data string) string {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// SignWebhook returns the X-Webhook-Signature value for body sent at ts.
// The signed message is "<unix seconds>.<body>".
func SignWebhook(secret string, ts time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return SignaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks a signature produced by SignWebhook. Receivers use it
// with the X-Webhook-Timestamp header value.
func VerifyWebhook(secret, signature, timestamp string, body []byte, now time.Time, tolerance time.Duration) error {
	sec, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	ts := time.Unix(sec, 0)
	if tolerance > 0 && (now.Sub(ts) > tolerance || ts.Sub(now) > tolerance) {
		return ErrSignatureExpired
	}
	expected := SignWebhook(secret, ts, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// NewSecret returns a random hex secret suitable for webhook signing.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
