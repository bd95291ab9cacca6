// Package media is the narrow contract the scheduler needs from a remote
// conferencing server: create, inspect, end and list meetings, and read the
// server version.
package media

import (
	"context"
	"errors"
	"fmt"
)

// Endpoint addresses one media server.
type Endpoint struct {
	BaseURL string
	Secret  string
}

type CreateMeetingRequest struct {
	MeetingID        string
	Name             string
	ModeratorPW      string
	AttendeePW       string
	WelcomeMessage   string
	MaxParticipants  int
	DurationMinutes  int
	MuteOnStart      bool
	GuestPolicy      string
	Record           bool
	EndCallbackURL   string
	PresentationURLs []string
	LockSettings     LockSettings
	Meta             map[string]string
}

type LockSettings struct {
	DisableCam              bool
	DisableMic              bool
	DisablePrivateChat      bool
	DisablePublicChat       bool
	DisableNote             bool
	HideUserList            bool
	LockOnJoin              bool
	WebcamsOnlyForModerator bool
}

type JoinRequest struct {
	MeetingID string
	FullName  string
	Password  string
	UserID    string
	Moderator bool
}

// RemoteAttendee is one participant as listed by the remote server.
type RemoteAttendee struct {
	UserID   string
	FullName string
}

type RemoteMeeting struct {
	MeetingID             string
	ParticipantCount      int
	ListenerCount         int
	VoiceParticipantCount int
	VideoCount            int
	IsBreakout            bool
	Attendees             []RemoteAttendee
}

type Client interface {
	CreateMeeting(ctx context.Context, ep Endpoint, req CreateMeetingRequest) error
	// GetMeetingInfo reports whether the meeting is currently running. A
	// meeting unknown to the server is reported as not running, without error.
	GetMeetingInfo(ctx context.Context, ep Endpoint, meetingID string) (bool, error)
	// EndMeeting returns an error of KindNotFound when the server does not
	// know the meeting.
	EndMeeting(ctx context.Context, ep Endpoint, meetingID, moderatorPW string) error
	ListMeetings(ctx context.Context, ep Endpoint) ([]RemoteMeeting, error)
	GetVersion(ctx context.Context, ep Endpoint) (string, error)
	JoinURL(ep Endpoint, req JoinRequest) string
}

type ErrorKind string

const (
	// KindUnreachable is a transport level failure: dial, timeout, bad status, unparsable body.
	KindUnreachable ErrorKind = "unreachable"
	// KindRejected is an application level refusal from a reachable server.
	KindRejected ErrorKind = "rejected"
	KindNotFound ErrorKind = "not_found"
)

type Error struct {
	Op         string
	Kind       ErrorKind
	MessageKey string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("media %s: %s: %v", e.Op, e.Kind, e.Err)
	case e.MessageKey != "":
		return fmt.Sprintf("media %s: %s: %s: %s", e.Op, e.Kind, e.MessageKey, e.Message)
	default:
		return fmt.Sprintf("media %s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AuthFailure reports a rejection caused by a bad shared secret rather than
// an unhealthy server.
func (e *Error) AuthFailure() bool {
	return e.Kind == KindRejected && e.MessageKey == "checksumError"
}

func KindOf(err error) (ErrorKind, bool) {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind, true
	}
	return "", false
}

func IsNotFound(err error) bool {
	k, ok := KindOf(err)
	return ok && k == KindNotFound
}

func IsAuthFailure(err error) bool {
	var me *Error
	return errors.As(err, &me) && me.AuthFailure()
}
