package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/telemyapp/fleet-control-plane/internal/model"
)

const serverColumns = `s.id, s.name, s.base_url, s.secret, s.strength, s.status, s.health, s.error_count, s.recover_count, s.version,
       s.participant_count, s.listener_count, s.voice_participant_count, s.video_count, s.meeting_count`

func scanServer(row pgx.Row) (*model.Server, error) {
	var out model.Server
	var participants, listeners, voice, video, meetings *int
	if err := row.Scan(
		&out.ID, &out.Name, &out.BaseURL, &out.Secret, &out.Strength, &out.Status, &out.Health, &out.ErrorCount, &out.RecoverCount, &out.Version,
		&participants, &listeners, &voice, &video, &meetings,
	); err != nil {
		return nil, err
	}
	if participants != nil {
		out.Usage = &model.Usage{
			ParticipantCount:      *participants,
			ListenerCount:         deref(listeners),
			VoiceParticipantCount: deref(voice),
			VideoCount:            deref(video),
			MeetingCount:          deref(meetings),
		}
	}
	return &out, nil
}

func (s *Store) listServers(ctx context.Context, q string, args ...any) ([]model.Server, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListServers(ctx context.Context) ([]model.Server, error) {
	return s.listServers(ctx, `select `+serverColumns+`
from servers s
order by s.name asc`)
}

// ListPoolServers returns the pool members in a stable order, so load
// balancer ties resolve the same way on every call.
func (s *Store) ListPoolServers(ctx context.Context, poolID string) ([]model.Server, error) {
	return s.listServers(ctx, `select `+serverColumns+`
from servers s
join server_pool_members m on m.server_id = s.id
where m.pool_id = $1
order by s.name asc, s.id asc`, poolID)
}

func (s *Store) GetServer(ctx context.Context, id string) (*model.Server, error) {
	srv, err := scanServer(s.db.QueryRow(ctx, `select `+serverColumns+`
from servers s
where s.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return srv, nil
}

// UpdateServerHealth applies fn to the server's health state under a row
// lock. Usage counters and version are cleared whenever the result is offline.
func (s *Store) UpdateServerHealth(ctx context.Context, id string, fn func(model.HealthState) model.HealthState) (model.HealthState, model.HealthState, error) {
	var prev model.HealthState
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return prev, prev, err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
select health, error_count, recover_count
from servers
where id = $1
for update`, id).Scan(&prev.Health, &prev.ErrorCount, &prev.RecoverCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return prev, prev, ErrNotFound
		}
		return prev, prev, err
	}

	next := fn(prev)
	if next.Health == model.HealthOffline {
		_, err = tx.Exec(ctx, `
update servers
set health = $2, error_count = $3, recover_count = $4, version = null,
    participant_count = null, listener_count = null, voice_participant_count = null, video_count = null, meeting_count = null,
    updated_at = now()
where id = $1`, id, next.Health, next.ErrorCount, next.RecoverCount)
	} else {
		_, err = tx.Exec(ctx, `
update servers
set health = $2, error_count = $3, recover_count = $4, updated_at = now()
where id = $1`, id, next.Health, next.ErrorCount, next.RecoverCount)
	}
	if err != nil {
		return prev, prev, err
	}
	if err := tx.Commit(ctx); err != nil {
		return prev, prev, err
	}
	return prev, next, nil
}

// UpdateServerUsage stores fresh counters and version. Offline servers keep
// their null values, and false is returned.
func (s *Store) UpdateServerUsage(ctx context.Context, id string, usage model.Usage, version *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
update servers
set participant_count = $2, listener_count = $3, voice_participant_count = $4, video_count = $5, meeting_count = $6,
    version = coalesce($7, version), updated_at = now()
where id = $1 and health = 'online'`,
		id, usage.ParticipantCount, usage.ListenerCount, usage.VoiceParticipantCount, usage.VideoCount, usage.MeetingCount, version)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetServerStatus(ctx context.Context, id string, status model.ServerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid server status %q", status)
	}
	tag, err := s.db.Exec(ctx, `update servers set status = $2, updated_at = now() where id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableDrainedServer flips a draining server to disabled once it hosts no
// open meeting. It reports whether the flip happened.
func (s *Store) DisableDrainedServer(ctx context.Context, id string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
update servers s
set status = 'disabled', updated_at = now()
where s.id = $1 and s.status = 'draining'
  and not exists (select 1 from meetings m where m.server_id = s.id and m.end_at is null)`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DeleteServer(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var status model.ServerStatus
	var open int
	if err := tx.QueryRow(ctx, `
select s.status, (select count(*) from meetings m where m.server_id = s.id and m.end_at is null)
from servers s
where s.id = $1
for update`, id).Scan(&status, &open); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if status != model.ServerDisabled || open > 0 {
		return ErrServerInUse
	}
	if _, err := tx.Exec(ctx, `delete from servers where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteServerPool(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `
delete from server_pools p
where p.id = $1 and not exists (select 1 from room_types rt where rt.server_pool_id = p.id)`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `select exists(select 1 from server_pools where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return ErrPoolInUse
	}
	return ErrNotFound
}

func (s *Store) InsertServerStat(ctx context.Context, stat model.ServerStat) error {
	_, err := s.db.Exec(ctx, `
insert into server_stats
  (server_id, participant_count, listener_count, voice_participant_count, video_count, meeting_count, created_at)
values
  ($1, $2, $3, $4, $5, $6, $7)`,
		stat.ServerID, stat.Usage.ParticipantCount, stat.Usage.ListenerCount, stat.Usage.VoiceParticipantCount,
		stat.Usage.VideoCount, stat.Usage.MeetingCount, stat.CreatedAt)
	return err
}

// UpsertServer registers a server by base URL, refreshing name, secret and
// strength. Status is only taken from the entry on insert; afterwards it is
// operator intent and left alone. Pool membership is added, never removed.
func (s *Store) UpsertServer(ctx context.Context, spec model.ServerSpec) (string, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	status := spec.Status
	if status == "" {
		status = model.ServerDisabled
	}
	var id string
	if err := tx.QueryRow(ctx, `
insert into servers (id, name, base_url, secret, strength, status, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, now(), now())
on conflict (base_url) do update
set name = excluded.name, secret = excluded.secret, strength = excluded.strength, updated_at = now()
returning id`, "srv_"+uuid.NewString(), spec.Name, spec.BaseURL, spec.Secret, spec.Strength, status).Scan(&id); err != nil {
		return "", err
	}

	for _, pool := range spec.Pools {
		poolID, err := upsertPoolTx(ctx, tx, pool)
		if err != nil {
			return "", err
		}
		if _, err := tx.Exec(ctx, `
insert into server_pool_members (pool_id, server_id)
values ($1, $2)
on conflict do nothing`, poolID, id); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func upsertPoolTx(ctx context.Context, tx pgx.Tx, name string) (string, error) {
	var id string
	err := tx.QueryRow(ctx, `
insert into server_pools (id, name, created_at)
values ($1, $2, now())
on conflict (name) do update set name = excluded.name
returning id`, "pool_"+uuid.NewString(), name).Scan(&id)
	return id, err
}

func (s *Store) UpsertRoomType(ctx context.Context, spec model.RoomTypeSpec) (string, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	poolID, err := upsertPoolTx(ctx, tx, spec.Pool)
	if err != nil {
		return "", err
	}
	roleIDs := spec.RoleIDs
	if roleIDs == nil {
		roleIDs = []string{}
	}
	var id string
	if err := tx.QueryRow(ctx, `
insert into room_types (id, name, server_pool_id, restricted, role_ids)
values ($1, $2, $3, $4, $5)
on conflict (name) do update
set server_pool_id = excluded.server_pool_id, restricted = excluded.restricted, role_ids = excluded.role_ids
returning id`, "rt_"+uuid.NewString(), spec.Name, poolID, spec.Restrict, roleIDs).Scan(&id); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func deref(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}
