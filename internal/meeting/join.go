package meeting

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/telemyapp/fleet-control-plane/internal/media"
	"github.com/telemyapp/fleet-control-plane/internal/model"
)

type Role string

const (
	RoleAttendee  Role = "attendee"
	RoleModerator Role = "moderator"
)

// Participant is the caller joining a meeting. Guests have a session id
// instead of a user id.
type Participant struct {
	UserID    string
	SessionID string
	Name      string
	Role      Role
}

// RemoteUserID is the identity sent to the server and read back from its
// attendee list.
func (p Participant) RemoteUserID() string {
	if p.UserID != "" {
		return "user:" + p.UserID
	}
	return "session:" + p.SessionID
}

func (m *Manager) JoinURL(mt model.Meeting, server model.Server, p Participant) string {
	pw := mt.AttendeePW
	if p.Role == RoleModerator {
		pw = mt.ModeratorPW
	}
	return m.client.JoinURL(endpoint(server), media.JoinRequest{
		MeetingID: mt.ID,
		FullName:  p.Name,
		Password:  pw,
		UserID:    p.RemoteUserID(),
		Moderator: p.Role == RoleModerator,
	})
}

// Salt signs a meeting id with the server secret for the end callback.
func Salt(meetingID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(meetingID))
	return hex.EncodeToString(mac.Sum(nil))
}

func ValidSalt(meetingID, secret, salt string) bool {
	want, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(meetingID))
	return hmac.Equal(mac.Sum(nil), want)
}
