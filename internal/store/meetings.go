package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/fleet-control-plane/internal/model"
)

const meetingColumns = `id, room_id, server_id, start_at, end_at, detached_at, remote_created_at, record_attendance, record, moderator_pw, attendee_pw`

func scanMeeting(row pgx.Row) (*model.Meeting, error) {
	var out model.Meeting
	if err := row.Scan(
		&out.ID, &out.RoomID, &out.ServerID, &out.Start, &out.End, &out.Detached, &out.RemoteCreatedAt,
		&out.RecordAttendance, &out.Record, &out.ModeratorPW, &out.AttendeePW,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) CreateMeeting(ctx context.Context, m *model.Meeting) error {
	_, err := s.db.Exec(ctx, `
insert into meetings
  (id, room_id, server_id, start_at, record_attendance, record, moderator_pw, attendee_pw)
values
  ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.RoomID, m.ServerID, m.Start, m.RecordAttendance, m.Record, m.ModeratorPW, m.AttendeePW)
	if isUniqueViolation(err) {
		return ErrRoomBusy
	}
	return err
}

func (s *Store) DeleteMeeting(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `delete from meetings where id = $1`, id)
	return err
}

func (s *Store) MarkMeetingRunning(ctx context.Context, id string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
update meetings
set remote_created_at = $2
where id = $1 and end_at is null and remote_created_at is null`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetMeeting(ctx context.Context, id string) (*model.Meeting, error) {
	m, err := scanMeeting(s.db.QueryRow(ctx, `select `+meetingColumns+` from meetings where id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return m, nil
}

// EndMeeting sets end and closes every open attendance interval. It reports
// false when the meeting had already ended.
func (s *Store) EndMeeting(ctx context.Context, id string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `update meetings set end_at = $2 where id = $1 and end_at is null`, id, at)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `select exists(select 1 from meetings where id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, ErrNotFound
		}
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, `update attendees set leave_at = $2 where meeting_id = $1 and leave_at is null`, id, at); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) DetachMeetings(ctx context.Context, serverID string, at time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
update meetings
set detached_at = $2
where server_id = $1 and end_at is null and detached_at is null`, serverID, at)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListOpenMeetings returns every meeting of the server without end, in any
// of the created, running or detached states.
func (s *Store) ListOpenMeetings(ctx context.Context, serverID string) ([]model.Meeting, error) {
	rows, err := s.db.Query(ctx, `select `+meetingColumns+`
from meetings
where server_id = $1 and end_at is null
order by start_at asc`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) InsertMeetingStat(ctx context.Context, stat model.MeetingStat) error {
	_, err := s.db.Exec(ctx, `
insert into meeting_stats
  (meeting_id, participant_count, listener_count, voice_participant_count, video_count, created_at)
values
  ($1, $2, $3, $4, $5, $6)`,
		stat.MeetingID, stat.Usage.ParticipantCount, stat.Usage.ListenerCount, stat.Usage.VoiceParticipantCount,
		stat.Usage.VideoCount, stat.CreatedAt)
	return err
}

func (s *Store) ListOpenAttendees(ctx context.Context, meetingID string) ([]model.Attendee, error) {
	rows, err := s.db.Query(ctx, `
select id, meeting_id, user_id, session_id, name, join_at, leave_at
from attendees
where meeting_id = $1 and leave_at is null
order by id asc`, meetingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Attendee, 0)
	for rows.Next() {
		var a model.Attendee
		if err := rows.Scan(&a.ID, &a.MeetingID, &a.UserID, &a.SessionID, &a.Name, &a.Join, &a.Leave); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) AddAttendees(ctx context.Context, attendees []model.Attendee) error {
	if len(attendees) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, a := range attendees {
		if _, err := tx.Exec(ctx, `
insert into attendees (meeting_id, user_id, session_id, name, join_at)
values ($1, $2, $3, $4, $5)`, a.MeetingID, a.UserID, a.SessionID, a.Name, a.Join); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) CloseAttendees(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `update attendees set leave_at = $2 where id = any($1) and leave_at is null`, ids, at)
	return err
}
