package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/fleet-control-plane/internal/model"
)

func (s *Store) GetRoom(ctx context.Context, id string) (*model.Room, error) {
	const q = `
select id, name, owner_id, room_type_id, latest_meeting_id, welcome_message, max_participants, duration_minutes,
       mute_on_start, lobby_enabled, lock_settings, record_attendance, record, presentation_urls,
       participant_count, listener_count, voice_participant_count, video_count
from rooms
where id = $1`

	var out model.Room
	var lockJSON []byte
	var participants, listeners, voice, video *int
	if err := s.db.QueryRow(ctx, q, id).Scan(
		&out.ID, &out.Name, &out.OwnerID, &out.RoomTypeID, &out.LatestMeetingID, &out.WelcomeMessage, &out.MaxParticipants, &out.DurationMinutes,
		&out.MuteOnStart, &out.LobbyEnabled, &lockJSON, &out.RecordAttendance, &out.Record, &out.PresentationURLs,
		&participants, &listeners, &voice, &video,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(lockJSON) > 0 {
		if err := json.Unmarshal(lockJSON, &out.Lock); err != nil {
			return nil, err
		}
	}
	if participants != nil {
		out.Usage = &model.Usage{
			ParticipantCount:      *participants,
			ListenerCount:         deref(listeners),
			VoiceParticipantCount: deref(voice),
			VideoCount:            deref(video),
		}
	}
	return &out, nil
}

func (s *Store) GetRoomType(ctx context.Context, id string) (*model.RoomType, error) {
	var out model.RoomType
	if err := s.db.QueryRow(ctx, `
select id, name, server_pool_id, restricted, role_ids
from room_types
where id = $1`, id).Scan(&out.ID, &out.Name, &out.ServerPoolID, &out.Restrict, &out.RoleIDs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &out, nil
}

// UserRoleIDs reads the role assignments maintained by the user directory.
func (s *Store) UserRoleIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `select role_id from user_roles where user_id = $1 order by role_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var roleID string
		if err := rows.Scan(&roleID); err != nil {
			return nil, err
		}
		out = append(out, roleID)
	}
	return out, rows.Err()
}

// SetLatestMeeting points the room at a freshly started meeting and resets
// its cached usage to zero.
func (s *Store) SetLatestMeeting(ctx context.Context, roomID, meetingID string) error {
	tag, err := s.db.Exec(ctx, `
update rooms
set latest_meeting_id = $2, participant_count = 0, listener_count = 0, voice_participant_count = 0, video_count = 0
where id = $1`, roomID, meetingID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateRoomUsage caches live counters on the room, as long as the meeting
// is still the room's latest.
func (s *Store) UpdateRoomUsage(ctx context.Context, roomID, meetingID string, usage model.Usage) error {
	_, err := s.db.Exec(ctx, `
update rooms
set participant_count = $3, listener_count = $4, voice_participant_count = $5, video_count = $6
where id = $1 and latest_meeting_id = $2`,
		roomID, meetingID, usage.ParticipantCount, usage.ListenerCount, usage.VoiceParticipantCount, usage.VideoCount)
	return err
}

// ClearRoomUsageForServer nulls the cached counters of every room whose
// latest meeting runs on the server.
func (s *Store) ClearRoomUsageForServer(ctx context.Context, serverID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
update rooms r
set participant_count = null, listener_count = null, voice_participant_count = null, video_count = null
from meetings m
where m.id = r.latest_meeting_id and m.server_id = $1`, serverID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
