// Package auth validates a username/credential pair against an injected
// identity provider. It owns the retry/timeout policy around the external
// check and nothing else: no credential caching, no session state.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deskgate/deskgate/internal/core"
)

var (
	// ErrRejected means the provider answered and said no.
	ErrRejected = errors.New("authentication rejected")
	// ErrTimeout means the provider did not answer in time.
	ErrTimeout = errors.New("authentication timed out")
	// ErrUnavailable means the provider could not be reached or failed.
	ErrUnavailable = errors.New("identity provider unavailable")
)

// Authenticator wraps a core.Verifier with a timeout. Every connection
// re-authenticates; there is deliberately no cache here.
type Authenticator struct {
	Verifier core.Verifier
	Timeout  time.Duration
}

// Authenticate checks the pair against the provider. The external call
// runs on its own goroutine so a hung provider costs a bounded wait, not
// a wedged connection handler.
func (a *Authenticator) Authenticate(ctx context.Context, username, credential string) error {
	ctx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	type verdict struct {
		ok  bool
		err error
	}
	ch := make(chan verdict, 1)
	go func() {
		ok, err := a.Verifier.Verify(ctx, username, credential)
		ch <- verdict{ok: ok, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: user %s", ErrTimeout, username)
	case v := <-ch:
		if v.err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, v.err)
		}
		if !v.ok {
			return fmt.Errorf("%w: user %s", ErrRejected, username)
		}
		return nil
	}
}
