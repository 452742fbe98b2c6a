package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Verifier checks a provider signature over a raw request body.
type Verifier interface {
	Verify(body []byte, signature string) error
}

// RSAVerifier verifies base64 RSA-SHA256 (PKCS#1 v1.5) signatures. Several
// keys may be configured to cover provider key rotation; any match passes.
type RSAVerifier struct {
	keys []*rsa.PublicKey
}

func NewRSAVerifier(keys ...*rsa.PublicKey) *RSAVerifier {
	return &RSAVerifier{keys: keys}
}

// LoadRSAVerifier reads one PEM public key per path.
func LoadRSAVerifier(paths ...string) (*RSAVerifier, error) {
	var keys []*rsa.PublicKey
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read public key %s: %w", p, err)
		}
		key, err := ParsePublicKeyPEM(raw)
		if err != nil {
			return nil, fmt.Errorf("parse public key %s: %w", p, err)
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.New("no webhook public keys configured")
	}
	return NewRSAVerifier(keys...), nil
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1
// ("RSA PUBLIC KEY") blocks.
func ParsePublicKeyPEM(raw []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "PUBLIC KEY":
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("unsupported public key type %T", pub)
		}
		return rsaPub, nil
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
}

func (v *RSAVerifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: not base64", ErrInvalidSignature)
	}
	digest := sha256.Sum256(body)
	for _, key := range v.keys {
		if rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign produces the signature Verify expects. Used by test tooling that
// replays deliveries against a local receiver.
func Sign(key *rsa.PrivateKey, body []byte) (string, error) {
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(nil, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
