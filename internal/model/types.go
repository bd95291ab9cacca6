package model

import "time"

type ServerStatus string

const (
	ServerOnline   ServerStatus = "online"
	ServerDraining ServerStatus = "draining"
	ServerDisabled ServerStatus = "disabled"
)

func (s ServerStatus) Valid() bool {
	switch s {
	case ServerOnline, ServerDraining, ServerDisabled:
		return true
	}
	return false
}

type ServerHealth string

const (
	HealthOnline  ServerHealth = "online"
	HealthOffline ServerHealth = "offline"
)

// Usage holds the live counters reported by a media server or cached on a
// room. A nil *Usage means the counters are unknown.
type Usage struct {
	ParticipantCount      int
	ListenerCount         int
	VoiceParticipantCount int
	VideoCount            int
	MeetingCount          int
}

type Server struct {
	ID           string
	Name         string
	BaseURL      string
	Secret       string
	Strength     int
	Status       ServerStatus
	Health       ServerHealth
	ErrorCount   int
	RecoverCount int
	Version      *string
	Usage        *Usage
}

// HealthState is the part of a server row driven by the hysteresis tracker.
type HealthState struct {
	Health       ServerHealth
	ErrorCount   int
	RecoverCount int
}

func (s *Server) HealthState() HealthState {
	return HealthState{Health: s.Health, ErrorCount: s.ErrorCount, RecoverCount: s.RecoverCount}
}

type ServerPool struct {
	ID        string
	Name      string
	ServerIDs []string
}

type RoomType struct {
	ID           string
	Name         string
	ServerPoolID string
	Restrict     bool
	RoleIDs      []string
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

type Room struct {
	ID               string
	Name             string
	OwnerID          string
	RoomTypeID       string
	LatestMeetingID  *string
	Usage            *Usage
	WelcomeMessage   string
	MaxParticipants  int
	DurationMinutes  int
	MuteOnStart      bool
	LobbyEnabled     bool
	Lock             LockSettings
	RecordAttendance bool
	Record           bool
	PresentationURLs []string
}

type MeetingState string

const (
	MeetingCreated  MeetingState = "created"
	MeetingRunning  MeetingState = "running"
	MeetingDetached MeetingState = "detached"
	MeetingEnded    MeetingState = "ended"
)

type Meeting struct {
	ID               string
	RoomID           string
	ServerID         string
	Start            time.Time
	End              *time.Time
	Detached         *time.Time
	RemoteCreatedAt  *time.Time
	RecordAttendance bool
	Record           bool
	ModeratorPW      string
	AttendeePW       string
}

func (m *Meeting) State() MeetingState {
	switch {
	case m.End != nil:
		return MeetingEnded
	case m.Detached != nil:
		return MeetingDetached
	case m.RemoteCreatedAt == nil:
		return MeetingCreated
	default:
		return MeetingRunning
	}
}

// Open reports whether the meeting still blocks a new start for its room.
func (m *Meeting) Open() bool {
	return m.End == nil
}

type Attendee struct {
	ID        int64
	MeetingID string
	UserID    *string
	SessionID *string
	Name      string
	Join      time.Time
	Leave     *time.Time
}

// Identity is the key attendance intervals are grouped by.
func (a *Attendee) Identity() string {
	if a.UserID != nil {
		return "user:" + *a.UserID
	}
	if a.SessionID != nil {
		return "session:" + *a.SessionID
	}
	return ""
}

type ServerStat struct {
	ServerID  string
	Usage     Usage
	CreatedAt time.Time
}

type MeetingStat struct {
	MeetingID string
	Usage     Usage
	CreatedAt time.Time
}

// ServerSpec is an inventory entry used to register or refresh a server.
type ServerSpec struct {
	Name     string
	BaseURL  string
	Secret   string
	Strength int
	Status   ServerStatus
	Pools    []string
}

// RoomTypeSpec is an inventory entry for a room type and the pool backing it.
type RoomTypeSpec struct {
	Name     string
	Pool     string
	Restrict bool
	RoleIDs  []string
}
