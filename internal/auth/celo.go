package auth

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Celo verifies headers signed as Ethereum personal messages by a Celo account.
// The address is the 0x-prefixed account and the signature is the 65-byte [R || S || V] hex.
type Celo struct{}

// Type returns "Celo".
func (Celo) Type() string { return "Celo" }

// Verify recovers the signer from the signature and compares it with the address.
func (Celo) Verify(authorization, method, path string) (string, error) {
	address, signature, err := split(authorization, "Celo")
	if err != nil {
		return "", err
	}

	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: malformed celo address", ErrUnauthenticated)
	}

	sig, err := hexutil.Decode(ensure0x(signature))
	if err != nil || len(sig) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: malformed celo signature", ErrUnauthenticated)
	}

	// wallets produce V as 27/28; recovery expects 0/1
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(Message(method, path)), sig)
	if err != nil {
		return "", fmt.Errorf("%w: recover celo signer", ErrUnauthenticated)
	}

	want := common.HexToAddress(address)
	if crypto.PubkeyToAddress(*pub) != want {
		return "", fmt.Errorf("%w: celo signature does not match address", ErrUnauthenticated)
	}

	return strings.ToLower(want.Hex()), nil
}

// CeloSigner signs personal messages with a secp256k1 key.
type CeloSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewCeloSigner creates a signer from a hex private key.
func NewCeloSigner(keyHex string) (*CeloSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode celo key:\n%w", err)
	}

	return &CeloSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// ID returns the lowercase 0x address.
func (s *CeloSigner) ID() string {
	return strings.ToLower(s.address.Hex())
}

// Authorization signs the request as a personal message.
func (s *CeloSigner) Authorization(method, path string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(Message(method, path)), s.key)
	if err != nil {
		return "", fmt.Errorf("sign celo message:\n%w", err)
	}

	sig[crypto.RecoveryIDOffset] += 27

	return header("Celo", s.ID(), hexutil.Encode(sig)), nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s
	}

	return "0x" + s
}
