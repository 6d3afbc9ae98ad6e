package auth

import (
	"context"
	"errors"
)

// StaticTokenSource hands out a fixed bearer token. Refreshing tokens is the
// session layer's concern; the agent only reads whatever it was given.
type StaticTokenSource string

// Token returns the configured token.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("no bearer token configured")
	}
	return string(s), nil
}
