package auth

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached remembers successfully verified headers so repeated polling requests skip
// signature verification. Failures are not cached.
type Cached struct {
	scheme Scheme
	cache  *lru.Cache[string, string] // cache maps request+header to the participant id
}

// NewCached wraps a scheme with an LRU of the given size.
func NewCached(scheme Scheme, size int) (*Cached, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}

	return &Cached{scheme: scheme, cache: cache}, nil
}

// Type returns the wrapped scheme's type.
func (c *Cached) Type() string {
	return c.scheme.Type()
}

// Verify returns a cached id or delegates to the wrapped scheme.
func (c *Cached) Verify(authorization, method, path string) (string, error) {
	key := string(Message(method, path)) + "\n" + authorization

	if id, ok := c.cache.Get(key); ok {
		return id, nil
	}

	id, err := c.scheme.Verify(authorization, method, path)
	if err != nil {
		return "", err
	}

	c.cache.Add(key, id)

	return id, nil
}
