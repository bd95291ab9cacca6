package media

import (
	"context"
	"errors"
	"net/url"
	"sort"
	"sync"
)

var errFakeUnreachable = errors.New("fake: connection refused")

// FakeClient simulates a fleet of media servers in memory, keyed by base URL.
// It backs the "fake" media backend and the package tests.
type FakeClient struct {
	mu      sync.Mutex
	servers map[string]*fakeServer
	calls   []string
}

type fakeServer struct {
	unreachable bool
	rejectKey   string
	version     string
	meetings    map[string]*RemoteMeeting
	moderatorPW map[string]string
}

func NewFakeClient() *FakeClient {
	return &FakeClient{servers: make(map[string]*fakeServer)}
}

func (f *FakeClient) server(ep Endpoint) *fakeServer {
	s, ok := f.servers[ep.BaseURL]
	if !ok {
		s = &fakeServer{
			version:     "2.7.0",
			meetings:    make(map[string]*RemoteMeeting),
			moderatorPW: make(map[string]string),
		}
		f.servers[ep.BaseURL] = s
	}
	return s
}

// SetUnreachable makes every call against the server fail at the transport level.
func (f *FakeClient) SetUnreachable(baseURL string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server(Endpoint{BaseURL: baseURL}).unreachable = down
}

// SetRejecting makes create calls fail with the given message key. An empty key clears it.
func (f *FakeClient) SetRejecting(baseURL, messageKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server(Endpoint{BaseURL: baseURL}).rejectKey = messageKey
}

// PutMeeting installs or replaces a meeting as the server would report it.
func (f *FakeClient) PutMeeting(baseURL string, m RemoteMeeting) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := m
	cp.Attendees = append([]RemoteAttendee(nil), m.Attendees...)
	f.server(Endpoint{BaseURL: baseURL}).meetings[m.MeetingID] = &cp
}

// DropMeeting removes a meeting as if it ended on the server side.
func (f *FakeClient) DropMeeting(baseURL, meetingID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.server(Endpoint{BaseURL: baseURL}).meetings, meetingID)
}

func (f *FakeClient) HasMeeting(baseURL, meetingID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.server(Endpoint{BaseURL: baseURL}).meetings[meetingID]
	return ok
}

// Calls returns the operations performed so far, as "op:baseURL".
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeClient) begin(op string, ep Endpoint) (*fakeServer, error) {
	f.calls = append(f.calls, op+":"+ep.BaseURL)
	s := f.server(ep)
	if s.unreachable {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: errFakeUnreachable}
	}
	return s, nil
}

func (f *FakeClient) CreateMeeting(ctx context.Context, ep Endpoint, req CreateMeetingRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.begin("create", ep)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: "create", Kind: KindUnreachable, Err: err}
	}
	if s.rejectKey != "" {
		return &Error{Op: "create", Kind: KindRejected, MessageKey: s.rejectKey, Message: "rejected by fake"}
	}
	if _, exists := s.meetings[req.MeetingID]; !exists {
		s.meetings[req.MeetingID] = &RemoteMeeting{MeetingID: req.MeetingID}
	}
	s.moderatorPW[req.MeetingID] = req.ModeratorPW
	return nil
}

func (f *FakeClient) GetMeetingInfo(_ context.Context, ep Endpoint, meetingID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.begin("getMeetingInfo", ep)
	if err != nil {
		return false, err
	}
	_, ok := s.meetings[meetingID]
	return ok, nil
}

func (f *FakeClient) EndMeeting(_ context.Context, ep Endpoint, meetingID, moderatorPW string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.begin("end", ep)
	if err != nil {
		return err
	}
	if _, ok := s.meetings[meetingID]; !ok {
		return &Error{Op: "end", Kind: KindNotFound, MessageKey: "notFound"}
	}
	if pw, ok := s.moderatorPW[meetingID]; ok && pw != moderatorPW {
		return &Error{Op: "end", Kind: KindRejected, MessageKey: "invalidPassword"}
	}
	delete(s.meetings, meetingID)
	return nil
}

func (f *FakeClient) ListMeetings(_ context.Context, ep Endpoint) ([]RemoteMeeting, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.begin("getMeetings", ep)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(s.meetings))
	for id := range s.meetings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]RemoteMeeting, 0, len(ids))
	for _, id := range ids {
		m := *s.meetings[id]
		m.Attendees = append([]RemoteAttendee(nil), m.Attendees...)
		out = append(out, m)
	}
	return out, nil
}

func (f *FakeClient) GetVersion(_ context.Context, ep Endpoint) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, err := f.begin("version", ep)
	if err != nil {
		return "", err
	}
	return s.version, nil
}

func (f *FakeClient) JoinURL(ep Endpoint, req JoinRequest) string {
	q := url.Values{}
	q.Set("meetingID", req.MeetingID)
	q.Set("fullName", req.FullName)
	q.Set("password", req.Password)
	return baseURL(ep) + "api/join?" + q.Encode()
}
