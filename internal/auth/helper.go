package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"os/user"
)

// AccountVerifier accepts any username that names a real OS account.
//
// This is the broker's default posture: the initial routing cookie
// carries no password, the per-user server performs full credential
// authentication itself, and the broker only refuses names that cannot
// possibly map to a desktop session.
type AccountVerifier struct{}

func (AccountVerifier) Verify(_ context.Context, username, _ string) (bool, error) {
	_, err := user.Lookup(username)
	if err != nil {
		var unknown user.UnknownUserError
		if errors.As(err, &unknown) {
			return false, nil
		}
		return false, fmt.Errorf("look up user %s: %w", username, err)
	}
	return true, nil
}

// HelperVerifier validates a password by driving `su --command true` for
// the target account, which defers to whatever PAM stack the host runs.
// Usable only when the broker itself runs as root.
type HelperVerifier struct{}

func (HelperVerifier) Verify(ctx context.Context, username, credential string) (bool, error) {
	cmd := exec.CommandContext(ctx, "su", "--command", "true", "--", username)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return false, fmt.Errorf("su stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("start su: %w", err)
	}
	_, _ = io.WriteString(stdin, credential+"\n")
	_ = stdin.Close()

	if err := cmd.Wait(); err != nil {
		if _, isExit := err.(*exec.ExitError); isExit {
			return false, nil
		}
		return false, fmt.Errorf("wait for su: %w", err)
	}
	return true, nil
}
