package media

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/telemyapp/fleet-control-plane/internal/metrics"
)

const maxResponseBytes = 4 << 20

// HTTPClient speaks the checksum-signed query API exposed by the media
// servers. Every request is bounded by a dial timeout and a response timeout.
type HTTPClient struct {
	http *http.Client
}

type HTTPClientOptions struct {
	ConnectTimeout  time.Duration
	ResponseTimeout time.Duration
	Transport       http.RoundTripper
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   opts.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   opts.ConnectTimeout,
			ResponseHeaderTimeout: opts.ResponseTimeout,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
		}
	}
	return &HTTPClient{
		http: &http.Client{
			Transport: transport,
			Timeout:   opts.ConnectTimeout + opts.ResponseTimeout,
		},
	}
}

type apiResponse struct {
	XMLName    xml.Name `xml:"response"`
	ReturnCode string   `xml:"returncode"`
	MessageKey string   `xml:"messageKey"`
	Message    string   `xml:"message"`
	Running    bool     `xml:"running"`
	Version    string   `xml:"version"`
	BBBVersion string   `xml:"bbbVersion"`
	Meetings   []struct {
		MeetingID             string `xml:"meetingID"`
		ParticipantCount      int    `xml:"participantCount"`
		ListenerCount         int    `xml:"listenerCount"`
		VoiceParticipantCount int    `xml:"voiceParticipantCount"`
		VideoCount            int    `xml:"videoCount"`
		IsBreakout            bool   `xml:"isBreakout"`
		Attendees             []struct {
			UserID   string `xml:"userID"`
			FullName string `xml:"fullName"`
		} `xml:"attendees>attendee"`
	} `xml:"meetings>meeting"`
}

type presentationDocument struct {
	URL      string `xml:"url,attr"`
	Filename string `xml:"filename,attr"`
}

type presentationModules struct {
	XMLName xml.Name `xml:"modules"`
	Module  struct {
		Name      string                 `xml:"name,attr"`
		Documents []presentationDocument `xml:"document"`
	} `xml:"module"`
}

func (c *HTTPClient) CreateMeeting(ctx context.Context, ep Endpoint, req CreateMeetingRequest) error {
	q := url.Values{}
	q.Set("meetingID", req.MeetingID)
	q.Set("name", req.Name)
	q.Set("moderatorPW", req.ModeratorPW)
	q.Set("attendeePW", req.AttendeePW)
	if req.WelcomeMessage != "" {
		q.Set("welcome", req.WelcomeMessage)
	}
	if req.MaxParticipants > 0 {
		q.Set("maxParticipants", strconv.Itoa(req.MaxParticipants))
	}
	if req.DurationMinutes > 0 {
		q.Set("duration", strconv.Itoa(req.DurationMinutes))
	}
	if req.GuestPolicy != "" {
		q.Set("guestPolicy", req.GuestPolicy)
	}
	q.Set("muteOnStart", strconv.FormatBool(req.MuteOnStart))
	q.Set("record", strconv.FormatBool(req.Record))
	q.Set("lockSettingsDisableCam", strconv.FormatBool(req.LockSettings.DisableCam))
	q.Set("lockSettingsDisableMic", strconv.FormatBool(req.LockSettings.DisableMic))
	q.Set("lockSettingsDisablePrivateChat", strconv.FormatBool(req.LockSettings.DisablePrivateChat))
	q.Set("lockSettingsDisablePublicChat", strconv.FormatBool(req.LockSettings.DisablePublicChat))
	q.Set("lockSettingsDisableNote", strconv.FormatBool(req.LockSettings.DisableNote))
	q.Set("lockSettingsHideUserList", strconv.FormatBool(req.LockSettings.HideUserList))
	q.Set("lockSettingsLockOnJoin", strconv.FormatBool(req.LockSettings.LockOnJoin))
	q.Set("webcamsOnlyForModerator", strconv.FormatBool(req.LockSettings.WebcamsOnlyForModerator))
	if req.EndCallbackURL != "" {
		q.Set("meta_endCallbackUrl", req.EndCallbackURL)
	}
	for k, v := range req.Meta {
		q.Set("meta_"+k, v)
	}

	var body []byte
	if len(req.PresentationURLs) > 0 {
		var mods presentationModules
		mods.Module.Name = "presentation"
		for _, u := range req.PresentationURLs {
			mods.Module.Documents = append(mods.Module.Documents, presentationDocument{URL: u, Filename: presentationFilename(u)})
		}
		b, err := xml.Marshal(mods)
		if err != nil {
			return &Error{Op: "create", Kind: KindRejected, Err: err}
		}
		body = b
	}

	_, err := c.call(ctx, ep, "create", q, body)
	return err
}

func (c *HTTPClient) GetMeetingInfo(ctx context.Context, ep Endpoint, meetingID string) (bool, error) {
	q := url.Values{}
	q.Set("meetingID", meetingID)
	resp, err := c.call(ctx, ep, "getMeetingInfo", q, nil)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return resp.Running, nil
}

func (c *HTTPClient) EndMeeting(ctx context.Context, ep Endpoint, meetingID, moderatorPW string) error {
	q := url.Values{}
	q.Set("meetingID", meetingID)
	q.Set("password", moderatorPW)
	_, err := c.call(ctx, ep, "end", q, nil)
	return err
}

func (c *HTTPClient) ListMeetings(ctx context.Context, ep Endpoint) ([]RemoteMeeting, error) {
	resp, err := c.call(ctx, ep, "getMeetings", url.Values{}, nil)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteMeeting, 0, len(resp.Meetings))
	for _, m := range resp.Meetings {
		rm := RemoteMeeting{
			MeetingID:             m.MeetingID,
			ParticipantCount:      m.ParticipantCount,
			ListenerCount:         m.ListenerCount,
			VoiceParticipantCount: m.VoiceParticipantCount,
			VideoCount:            m.VideoCount,
			IsBreakout:            m.IsBreakout,
		}
		for _, a := range m.Attendees {
			rm.Attendees = append(rm.Attendees, RemoteAttendee{UserID: a.UserID, FullName: a.FullName})
		}
		out = append(out, rm)
	}
	return out, nil
}

// GetVersion reads the unsigned API root document.
func (c *HTTPClient) GetVersion(ctx context.Context, ep Endpoint) (string, error) {
	resp, err := c.do(ctx, "version", http.MethodGet, baseURL(ep)+"api", nil)
	if err != nil {
		return "", err
	}
	if resp.BBBVersion != "" {
		return resp.BBBVersion, nil
	}
	return resp.Version, nil
}

func (c *HTTPClient) JoinURL(ep Endpoint, req JoinRequest) string {
	q := url.Values{}
	q.Set("meetingID", req.MeetingID)
	q.Set("fullName", req.FullName)
	q.Set("password", req.Password)
	if req.UserID != "" {
		q.Set("userID", req.UserID)
	}
	q.Set("redirect", "true")
	return signedURL(ep, "join", q)
}

func (c *HTTPClient) call(ctx context.Context, ep Endpoint, apiCall string, q url.Values, body []byte) (*apiResponse, error) {
	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}
	resp, err := c.do(ctx, apiCall, method, signedURL(ep, apiCall, q), body)
	if err != nil {
		return nil, err
	}
	switch {
	case resp.ReturnCode == "SUCCESS":
		return resp, nil
	case resp.MessageKey == "notFound":
		return nil, &Error{Op: apiCall, Kind: KindNotFound, MessageKey: resp.MessageKey, Message: resp.Message}
	default:
		return nil, &Error{Op: apiCall, Kind: KindRejected, MessageKey: resp.MessageKey, Message: resp.Message}
	}
}

func (c *HTTPClient) do(ctx context.Context, op, method, target string, body []byte) (*apiResponse, error) {
	start := time.Now()
	resp, err := c.roundTrip(ctx, op, method, target, body)
	status := "ok"
	if err != nil {
		status = string(KindUnreachable)
		if k, ok := KindOf(err); ok {
			status = string(k)
		}
	}
	labels := map[string]string{"op": op, "status": status}
	metrics.Default().IncCounter("fleet_remote_calls_total", labels)
	metrics.Default().ObserveHistogram("fleet_remote_call_latency_ms", float64(time.Since(start).Milliseconds()), map[string]string{"op": op})
	return resp, err
}

func (c *HTTPClient) roundTrip(ctx context.Context, op, method, target string, body []byte) (*apiResponse, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/xml")
	}
	res, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: fmt.Errorf("unexpected status %d", res.StatusCode)}
	}
	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: err}
	}
	var out apiResponse
	if err := xml.Unmarshal(raw, &out); err != nil {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: fmt.Errorf("decode response: %w", err)}
	}
	if out.ReturnCode == "" {
		return nil, &Error{Op: op, Kind: KindUnreachable, Err: errors.New("response without returncode")}
	}
	return &out, nil
}

func signedURL(ep Endpoint, apiCall string, q url.Values) string {
	query := q.Encode()
	return baseURL(ep) + "api/" + apiCall + "?" + query + "&checksum=" + Checksum(apiCall, query, ep.Secret)
}

// Checksum signs an API call with the server's shared secret.
func Checksum(apiCall, query, secret string) string {
	sum := sha256.Sum256([]byte(apiCall + query + secret))
	return hex.EncodeToString(sum[:])
}

func baseURL(ep Endpoint) string {
	if strings.HasSuffix(ep.BaseURL, "/") {
		return ep.BaseURL
	}
	return ep.BaseURL + "/"
}

func presentationFilename(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "presentation.pdf"
	}
	parts := strings.Split(strings.TrimRight(parsed.Path, "/"), "/")
	if name := parts[len(parts)-1]; name != "" {
		return name
	}
	return "presentation.pdf"
}
