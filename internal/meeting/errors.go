package meeting

import (
	"errors"
	"fmt"
)

var ErrInvalidCallback = errors.New("invalid end callback")

type StartErrorKind string

const (
	// RemoteRejected is an application level refusal, such as a bad secret.
	RemoteRejected StartErrorKind = "remote_rejected"
	// Unreachable is a transport failure: dial error, timeout, bad response.
	Unreachable StartErrorKind = "unreachable"
)

type StartError struct {
	Kind StartErrorKind
	// Auth is set when the server rejected our credentials.
	Auth bool
	Err  error
}

func (e *StartError) Error() string {
	if e.Auth {
		return fmt.Sprintf("start meeting: %s (auth): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("start meeting: %s: %v", e.Kind, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }
