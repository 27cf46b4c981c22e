package auth

import (
	"encoding/hex"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
)

const (
	// BLSPublicKeySize is the size of a compressed BLS public key in bytes.
	BLSPublicKeySize = 48

	// BLSSignatureSize is the size of a compressed BLS signature in bytes.
	BLSSignatureSize = 96
)

// blsDST is the domain separation tag for BLS signatures.
var blsDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// BLS verifies headers whose address is a hex compressed BLS12-381 G1 public key.
type BLS struct{}

// Type returns "Bls".
func (BLS) Type() string { return "Bls" }

// Verify checks the signature with the address as public key.
func (BLS) Verify(authorization, method, path string) (string, error) {
	address, signature, err := split(authorization, "Bls")
	if err != nil {
		return "", err
	}

	pubBytes, err := hex.DecodeString(address)
	if err != nil || len(pubBytes) != BLSPublicKeySize {
		return "", fmt.Errorf("%w: malformed bls public key", ErrUnauthenticated)
	}

	sigBytes, err := hex.DecodeString(signature)
	if err != nil || len(sigBytes) != BLSSignatureSize {
		return "", fmt.Errorf("%w: malformed bls signature", ErrUnauthenticated)
	}

	pub := new(blst.P1Affine).Uncompress(pubBytes)
	sig := new(blst.P2Affine).Uncompress(sigBytes)
	if pub == nil || sig == nil {
		return "", fmt.Errorf("%w: bls point not on curve", ErrUnauthenticated)
	}

	if !sig.Verify(true, pub, true, Message(method, path), blsDST) {
		return "", fmt.Errorf("%w: invalid bls signature", ErrUnauthenticated)
	}

	return hex.EncodeToString(pubBytes), nil
}

// BLSSigner signs with a BLS secret key.
type BLSSigner struct {
	secret *blst.SecretKey // secret is the private key
	public []byte          // public is the compressed public key
}

// NewBLSSigner derives a BLS key from a hex seed of at least 32 bytes.
func NewBLSSigner(seedHex string) (*BLSSigner, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode bls seed:\n%w", err)
	}

	if len(seed) < 32 {
		return nil, fmt.Errorf("bls seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &BLSSigner{
		secret: secret,
		public: new(blst.P1Affine).From(secret).Compress(),
	}, nil
}

// ID returns the hex compressed public key.
func (s *BLSSigner) ID() string {
	return hex.EncodeToString(s.public)
}

// Authorization signs the request.
func (s *BLSSigner) Authorization(method, path string) (string, error) {
	sig := new(blst.P2Affine).Sign(s.secret, Message(method, path), blsDST)
	return header("Bls", s.ID(), hex.EncodeToString(sig.Compress())), nil
}
