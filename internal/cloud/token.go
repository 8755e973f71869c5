// Package cloud mirrors knowledge bases to a remote drive. Everything here
// is best-effort: sync failures are logged and retried in the background and
// never block a local operation.
package cloud

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by cloud operations before a successful
// sign-in.
var ErrNotConnected = errors.New("cloud sync is not connected")

// Token is a short-lived bearer credential for the drive API.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

func (t Token) valid() bool {
	return t.AccessToken != "" && time.Now().Before(t.Expiry)
}

// TokenSource produces access tokens. Implementations may block while the
// user completes an interactive consent flow; callers bound that with the
// context.
type TokenSource interface {
	Token(ctx context.Context) (Token, error)
}

// StaticTokenSource returns a fixed token, used for tests and for
// pre-provisioned service credentials.
type StaticTokenSource struct {
	AccessToken string
}

func (s StaticTokenSource) Token(context.Context) (Token, error) {
	return Token{AccessToken: s.AccessToken, Expiry: time.Now().Add(time.Hour)}, nil
}
