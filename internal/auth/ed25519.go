package auth

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// Ed25519 verifies headers whose address is a hex ed25519 public key.
type Ed25519 struct{}

// Type returns "Ed25519".
func (Ed25519) Type() string { return "Ed25519" }

// Verify checks the signature with the address as public key.
func (Ed25519) Verify(authorization, method, path string) (string, error) {
	address, signature, err := split(authorization, "Ed25519")
	if err != nil {
		return "", err
	}

	pub, err := hex.DecodeString(address)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("%w: malformed ed25519 public key", ErrUnauthenticated)
	}

	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return "", fmt.Errorf("%w: malformed ed25519 signature", ErrUnauthenticated)
	}

	if !ed25519.Verify(pub, Message(method, path), sig) {
		return "", fmt.Errorf("%w: invalid ed25519 signature", ErrUnauthenticated)
	}

	return hex.EncodeToString(pub), nil
}

// Ed25519Signer signs with an ed25519 key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer creates a signer from a hex 32-byte seed or 64-byte private key.
func NewEd25519Signer(keyHex string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode ed25519 key:\n%w", err)
	}

	switch len(raw) {
	case ed25519.SeedSize:
		return &Ed25519Signer{key: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &Ed25519Signer{key: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("ed25519 key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// ID returns the hex public key.
func (s *Ed25519Signer) ID() string {
	return hex.EncodeToString(s.key.Public().(ed25519.PublicKey))
}

// Authorization signs the request.
func (s *Ed25519Signer) Authorization(method, path string) (string, error) {
	sig := ed25519.Sign(s.key, Message(method, path))
	return header("Ed25519", s.ID(), hex.EncodeToString(sig)), nil
}
