package auth

import (
	"fmt"
	"strings"
)

// Dummy trusts "Dummy <id>" headers. It is meant for tests and local ceremonies.
type Dummy struct{}

// Type returns "Dummy".
func (Dummy) Type() string { return "Dummy" }

// Verify returns the claimed id.
func (Dummy) Verify(authorization, _, _ string) (string, error) {
	token, id, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(token, "Dummy") || strings.TrimSpace(id) == "" {
		return "", fmt.Errorf("%w: expected Dummy authorization", ErrUnauthenticated)
	}

	return strings.TrimSpace(id), nil
}

// DummySigner authenticates as a fixed id.
type DummySigner string

// ID returns the id.
func (s DummySigner) ID() string { return string(s) }

// Authorization returns "Dummy <id>".
func (s DummySigner) Authorization(_, _ string) (string, error) {
	return "Dummy " + string(s), nil
}
