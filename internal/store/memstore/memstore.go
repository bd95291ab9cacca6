// Package memstore keeps the fleet state in process memory. It mirrors the
// Postgres store's methods and is used for single-node dev runs and tests.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telemyapp/fleet-control-plane/internal/model"
	"github.com/telemyapp/fleet-control-plane/internal/store"
)

type Store struct {
	mu           sync.Mutex
	servers      map[string]*model.Server
	pools        map[string]*model.ServerPool
	roomTypes    map[string]*model.RoomType
	rooms        map[string]*model.Room
	meetings     map[string]*model.Meeting
	attendees    []*model.Attendee
	userRoles    map[string][]string
	serverStats  []model.ServerStat
	meetingStats []model.MeetingStat
	nextAttendee int64
}

func New() *Store {
	return &Store{
		servers:   make(map[string]*model.Server),
		pools:     make(map[string]*model.ServerPool),
		roomTypes: make(map[string]*model.RoomType),
		rooms:     make(map[string]*model.Room),
		meetings:  make(map[string]*model.Meeting),
		userRoles: make(map[string][]string),
	}
}

func copyServer(s *model.Server) model.Server {
	out := *s
	if s.Usage != nil {
		u := *s.Usage
		out.Usage = &u
	}
	if s.Version != nil {
		v := *s.Version
		out.Version = &v
	}
	return out
}

func copyRoom(r *model.Room) model.Room {
	out := *r
	if r.Usage != nil {
		u := *r.Usage
		out.Usage = &u
	}
	if r.LatestMeetingID != nil {
		id := *r.LatestMeetingID
		out.LatestMeetingID = &id
	}
	out.PresentationURLs = append([]string(nil), r.PresentationURLs...)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyMeeting(m *model.Meeting) model.Meeting {
	out := *m
	out.End = copyTime(m.End)
	out.Detached = copyTime(m.Detached)
	out.RemoteCreatedAt = copyTime(m.RemoteCreatedAt)
	return out
}

// PutServer inserts or replaces a server. Missing ids are generated.
func (s *Store) PutServer(srv model.Server) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if srv.ID == "" {
		srv.ID = "srv_" + uuid.NewString()
	}
	cp := copyServer(&srv)
	s.servers[srv.ID] = &cp
	return srv.ID
}

func (s *Store) PutPool(pool model.ServerPool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pool.ID == "" {
		pool.ID = "pool_" + uuid.NewString()
	}
	pool.ServerIDs = append([]string(nil), pool.ServerIDs...)
	s.pools[pool.ID] = &pool
	return pool.ID
}

func (s *Store) PutRoomType(rt model.RoomType) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt.ID == "" {
		rt.ID = "rt_" + uuid.NewString()
	}
	rt.RoleIDs = append([]string(nil), rt.RoleIDs...)
	s.roomTypes[rt.ID] = &rt
	return rt.ID
}

func (s *Store) PutRoom(room model.Room) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	cp := copyRoom(&room)
	s.rooms[room.ID] = &cp
	return room.ID
}

// PutMeeting stores a meeting as is, bypassing the one-open-meeting check.
func (s *Store) PutMeeting(m model.Meeting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyMeeting(&m)
	s.meetings[m.ID] = &cp
}

func (s *Store) SetUserRoles(userID string, roleIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userRoles[userID] = append([]string(nil), roleIDs...)
}

// RoomMeetings returns every meeting of the room, oldest first.
func (s *Store) RoomMeetings(roomID string) []model.Meeting {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Meeting, 0)
	for _, m := range s.meetings {
		if m.RoomID == roomID {
			out = append(out, copyMeeting(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// Attendees returns every attendance interval of the meeting, in insert order.
func (s *Store) Attendees(meetingID string) []model.Attendee {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Attendee, 0)
	for _, a := range s.attendees {
		if a.MeetingID == meetingID {
			cp := *a
			cp.Leave = copyTime(a.Leave)
			out = append(out, cp)
		}
	}
	return out
}

func (s *Store) ServerStats() []model.ServerStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ServerStat(nil), s.serverStats...)
}

func (s *Store) MeetingStats() []model.MeetingStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.MeetingStat(nil), s.meetingStats...)
}

func (s *Store) ListServers(_ context.Context) ([]model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, copyServer(srv))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListPoolServers(_ context.Context, poolID string) ([]model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return []model.Server{}, nil
	}
	out := make([]model.Server, 0, len(pool.ServerIDs))
	for _, id := range pool.ServerIDs {
		if srv, ok := s.servers[id]; ok {
			out = append(out, copyServer(srv))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetServer(_ context.Context, id string) (*model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyServer(srv)
	return &cp, nil
}

func (s *Store) UpdateServerHealth(_ context.Context, id string, fn func(model.HealthState) model.HealthState) (model.HealthState, model.HealthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return model.HealthState{}, model.HealthState{}, store.ErrNotFound
	}
	prev := srv.HealthState()
	next := fn(prev)
	srv.Health, srv.ErrorCount, srv.RecoverCount = next.Health, next.ErrorCount, next.RecoverCount
	if next.Health == model.HealthOffline {
		srv.Usage = nil
		srv.Version = nil
	}
	return prev, next, nil
}

func (s *Store) UpdateServerUsage(_ context.Context, id string, usage model.Usage, version *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok || srv.Health != model.HealthOnline {
		return false, nil
	}
	u := usage
	srv.Usage = &u
	if version != nil {
		v := *version
		srv.Version = &v
	}
	return true, nil
}

func (s *Store) SetServerStatus(_ context.Context, id string, status model.ServerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid server status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	srv.Status = status
	return nil
}

func (s *Store) openMeetingsLocked(serverID string) int {
	n := 0
	for _, m := range s.meetings {
		if m.ServerID == serverID && m.End == nil {
			n++
		}
	}
	return n
}

func (s *Store) DisableDrainedServer(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok || srv.Status != model.ServerDraining || s.openMeetingsLocked(id) > 0 {
		return false, nil
	}
	srv.Status = model.ServerDisabled
	return true, nil
}

func (s *Store) DeleteServer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	if srv.Status != model.ServerDisabled || s.openMeetingsLocked(id) > 0 {
		return store.ErrServerInUse
	}
	delete(s.servers, id)
	for _, pool := range s.pools {
		kept := pool.ServerIDs[:0]
		for _, sid := range pool.ServerIDs {
			if sid != id {
				kept = append(kept, sid)
			}
		}
		pool.ServerIDs = kept
	}
	return nil
}

func (s *Store) DeleteServerPool(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[id]; !ok {
		return store.ErrNotFound
	}
	for _, rt := range s.roomTypes {
		if rt.ServerPoolID == id {
			return store.ErrPoolInUse
		}
	}
	delete(s.pools, id)
	return nil
}

func (s *Store) InsertServerStat(_ context.Context, stat model.ServerStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serverStats = append(s.serverStats, stat)
	return nil
}

func (s *Store) UpsertServer(_ context.Context, spec model.ServerSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var srv *model.Server
	for _, existing := range s.servers {
		if existing.BaseURL == spec.BaseURL {
			srv = existing
			break
		}
	}
	if srv == nil {
		status := spec.Status
		if status == "" {
			status = model.ServerDisabled
		}
		srv = &model.Server{
			ID:      "srv_" + uuid.NewString(),
			BaseURL: spec.BaseURL,
			Status:  status,
			Health:  model.HealthOffline,
		}
		s.servers[srv.ID] = srv
	}
	srv.Name, srv.Secret, srv.Strength = spec.Name, spec.Secret, spec.Strength
	for _, name := range spec.Pools {
		pool := s.poolByNameLocked(name)
		if !slices.Contains(pool.ServerIDs, srv.ID) {
			pool.ServerIDs = append(pool.ServerIDs, srv.ID)
		}
	}
	return srv.ID, nil
}

func (s *Store) UpsertRoomType(_ context.Context, spec model.RoomTypeSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool := s.poolByNameLocked(spec.Pool)
	for _, rt := range s.roomTypes {
		if rt.Name == spec.Name {
			rt.ServerPoolID, rt.Restrict, rt.RoleIDs = pool.ID, spec.Restrict, append([]string(nil), spec.RoleIDs...)
			return rt.ID, nil
		}
	}
	rt := &model.RoomType{
		ID:           "rt_" + uuid.NewString(),
		Name:         spec.Name,
		ServerPoolID: pool.ID,
		Restrict:     spec.Restrict,
		RoleIDs:      append([]string(nil), spec.RoleIDs...),
	}
	s.roomTypes[rt.ID] = rt
	return rt.ID, nil
}

func (s *Store) poolByNameLocked(name string) *model.ServerPool {
	for _, pool := range s.pools {
		if pool.Name == name {
			return pool
		}
	}
	pool := &model.ServerPool{ID: "pool_" + uuid.NewString(), Name: name}
	s.pools[pool.ID] = pool
	return pool
}

func (s *Store) GetRoom(_ context.Context, id string) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyRoom(room)
	return &cp, nil
}

func (s *Store) GetRoomType(_ context.Context, id string) (*model.RoomType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.roomTypes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rt
	cp.RoleIDs = append([]string(nil), rt.RoleIDs...)
	return &cp, nil
}

func (s *Store) UserRoleIDs(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.userRoles[userID]...), nil
}

func (s *Store) SetLatestMeeting(_ context.Context, roomID, meetingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return store.ErrNotFound
	}
	id := meetingID
	room.LatestMeetingID = &id
	room.Usage = &model.Usage{}
	return nil
}

func (s *Store) UpdateRoomUsage(_ context.Context, roomID, meetingID string, usage model.Usage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok || room.LatestMeetingID == nil || *room.LatestMeetingID != meetingID {
		return nil
	}
	u := usage
	u.MeetingCount = 0
	room.Usage = &u
	return nil
}

func (s *Store) ClearRoomUsageForServer(_ context.Context, serverID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, room := range s.rooms {
		if room.LatestMeetingID == nil {
			continue
		}
		if m, ok := s.meetings[*room.LatestMeetingID]; ok && m.ServerID == serverID {
			room.Usage = nil
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateMeeting(_ context.Context, m *model.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.meetings {
		if existing.RoomID == m.RoomID && existing.End == nil {
			return store.ErrRoomBusy
		}
	}
	cp := copyMeeting(m)
	s.meetings[m.ID] = &cp
	return nil
}

func (s *Store) DeleteMeeting(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.meetings, id)
	kept := s.attendees[:0]
	for _, a := range s.attendees {
		if a.MeetingID != id {
			kept = append(kept, a)
		}
	}
	s.attendees = kept
	return nil
}

func (s *Store) MarkMeetingRunning(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok || m.End != nil || m.RemoteCreatedAt != nil {
		return store.ErrNotFound
	}
	m.RemoteCreatedAt = &at
	return nil
}

func (s *Store) GetMeeting(_ context.Context, id string) (*model.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := copyMeeting(m)
	return &cp, nil
}

func (s *Store) EndMeeting(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.End != nil {
		return false, nil
	}
	m.End = &at
	for _, a := range s.attendees {
		if a.MeetingID == id && a.Leave == nil {
			leave := at
			a.Leave = &leave
		}
	}
	return true, nil
}

func (s *Store) DetachMeetings(_ context.Context, serverID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.meetings {
		if m.ServerID == serverID && m.End == nil && m.Detached == nil {
			detached := at
			m.Detached = &detached
			n++
		}
	}
	return n, nil
}

func (s *Store) ListOpenMeetings(_ context.Context, serverID string) ([]model.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Meeting, 0)
	for _, m := range s.meetings {
		if m.ServerID == serverID && m.End == nil {
			out = append(out, copyMeeting(m))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) InsertMeetingStat(_ context.Context, stat model.MeetingStat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meetingStats = append(s.meetingStats, stat)
	return nil
}

func (s *Store) ListOpenAttendees(_ context.Context, meetingID string) ([]model.Attendee, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Attendee, 0)
	for _, a := range s.attendees {
		if a.MeetingID == meetingID && a.Leave == nil {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (s *Store) AddAttendees(_ context.Context, attendees []model.Attendee) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range attendees {
		s.nextAttendee++
		cp := a
		cp.ID = s.nextAttendee
		s.attendees = append(s.attendees, &cp)
	}
	return nil
}

func (s *Store) CloseAttendees(_ context.Context, ids []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attendees {
		if a.Leave == nil && slices.Contains(ids, a.ID) {
			leave := at
			a.Leave = &leave
		}
	}
	return nil
}
