package rooms

import (
	"errors"
	"fmt"
)

var ErrRoomNotFound = errors.New("room not found")

// Reason is why a start or join request was turned down.
type Reason string

const (
	AlreadyRunning    Reason = "already_running"
	NotRunning        Reason = "not_running"
	RoomTypeInvalid   Reason = "room_type_invalid"
	NoServerAvailable Reason = "no_server_available"
	StartFailed       Reason = "start_failed"
)

type RejectedError struct {
	Reason Reason
	Err    error
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rejected: %s: %v", e.Reason, e.Err)
	}
	return "rejected: " + string(e.Reason)
}

func (e *RejectedError) Unwrap() error { return e.Err }

func reject(reason Reason, err error) error {
	return &RejectedError{Reason: reason, Err: err}
}

func ReasonOf(err error) (Reason, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re.Reason, true
	}
	return "", false
}
