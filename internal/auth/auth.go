// Package auth verifies signed Authorization headers and produces them for clients.
//
// A header has the form "<Type> <address>:<signature>" and signs the lowercased
// "<method> <path>" of the request. The verified address is the participant id.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnauthenticated is returned for missing, malformed or invalid authorization headers.
var ErrUnauthenticated = errors.New("unauthenticated")

// Scheme verifies authorization headers.
type Scheme interface {
	// Type is the header type token, e.g. "Ed25519".
	Type() string

	// Verify checks the header against the request and returns the participant id.
	Verify(authorization, method, path string) (string, error)
}

// Signer produces authorization headers.
type Signer interface {
	// ID is the participant id the signer authenticates as.
	ID() string

	// Authorization returns the header value for a request.
	Authorization(method, path string) (string, error)
}

// Message is the statement signed for a request.
func Message(method, path string) []byte {
	return []byte(strings.ToLower(method) + " " + strings.ToLower(path))
}

// New returns the scheme with the given name: dummy, ed25519, bls or celo.
func New(name string) (Scheme, error) {
	switch strings.ToLower(name) {
	case "dummy":
		return Dummy{}, nil
	case "ed25519":
		return Ed25519{}, nil
	case "bls":
		return BLS{}, nil
	case "celo":
		return Celo{}, nil
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", name)
	}
}

// NewSigner returns a signer for the scheme. key is the participant id for dummy and a
// hex private key otherwise.
func NewSigner(name, key string) (Signer, error) {
	switch strings.ToLower(name) {
	case "dummy":
		return DummySigner(key), nil
	case "ed25519":
		return NewEd25519Signer(key)
	case "bls":
		return NewBLSSigner(key)
	case "celo":
		return NewCeloSigner(key)
	default:
		return nil, fmt.Errorf("unknown auth scheme %q", name)
	}
}

// split parses "<Type> <address>:<signature>" for the expected type.
func split(authorization, typ string) (address, signature string, err error) {
	token, credentials, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(token, typ) {
		return "", "", fmt.Errorf("%w: expected %s authorization", ErrUnauthenticated, typ)
	}

	address, signature, ok = strings.Cut(credentials, ":")
	if !ok || address == "" || signature == "" {
		return "", "", fmt.Errorf("%w: malformed %s credentials", ErrUnauthenticated, typ)
	}

	return address, signature, nil
}

// header formats an authorization header.
func header(typ, address, signature string) string {
	return typ + " " + address + ":" + signature
}
