package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"sanctuary/rtc/internal/domain"
	"sanctuary/rtc/internal/roster"

	"github.com/rs/zerolog/log"
)

const (
	defaultPollInterval = 2 * time.Second
	requestTimeout      = 10 * time.Second
)

// Client talks to a sanctuary server. It implements domain.Roster and
// domain.SessionAdmin over REST and fetches signalling tickets.
type Client struct {
	baseURL      string
	http         *http.Client
	pollInterval time.Duration
}

// NewClient creates an API client for the server at baseURL. Roster
// subscriptions poll the change counter every pollInterval.
func NewClient(baseURL string, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: requestTimeout},
		pollInterval: pollInterval,
	}
}

// FetchTicket obtains ICE servers and the signalling endpoint.
func (c *Client) FetchTicket(ctx context.Context) (*domain.Ticket, error) {
	var t domain.Ticket
	if err := c.do(ctx, http.MethodGet, "/api/ticket", nil, &t); err != nil {
		return nil, fmt.Errorf("fetch ticket: %w", err)
	}
	return &t, nil
}

func (c *Client) Session(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s)
	return s, err
}

func (c *Client) ActiveParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	var ps []domain.Participant
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/participants", nil, &ps)
	return ps, err
}

func (c *Client) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	req := participantRequest{
		Role:         p.Role,
		AudioMuted:   p.AudioMuted,
		VideoEnabled: p.VideoEnabled,
		HandRaised:   p.HandRaised,
	}
	var out domain.Participant
	err := c.do(ctx, http.MethodPut, participantPath(p.SessionID, p.ParticipantID), req, &out)
	return out, err
}

func (c *Client) UpdateFlags(ctx context.Context, sessionID, participantID string, f domain.MediaFlags) error {
	return c.do(ctx, http.MethodPatch, participantPath(sessionID, participantID), f, nil)
}

func (c *Client) MarkLeft(ctx context.Context, sessionID, participantID string, at time.Time) error {
	body := struct {
		LeftAt time.Time `json:"leftAt"`
	}{at}
	return c.do(ctx, http.MethodPost, participantPath(sessionID, participantID)+"/leave", body, nil)
}

func (c *Client) CreateSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	req := sessionRequest{
		Kind:            s.Kind,
		Title:           s.Title,
		Description:     s.Description,
		Status:          string(s.Status),
		HostID:          s.HostID,
		MaxParticipants: s.MaxParticipants,
		StreamKey:       s.StreamKey,
		ExternalURL:     s.ExternalURL,
		ScheduledAt:     s.ScheduledAt,
	}
	var out domain.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions", req, &out)
	return out, err
}

func (c *Client) ListSessions(ctx context.Context, status domain.SessionStatus) ([]domain.Session, error) {
	path := "/api/sessions"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []domain.Session
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) SetSessionStatus(ctx context.Context, id string, status domain.SessionStatus) (domain.Session, error) {
	body := struct {
		Status string `json:"status"`
	}{string(status)}
	var out domain.Session
	err := c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/status", body, &out)
	return out, err
}

// Version reads the server's change counter for sessionID.
func (c *Client) Version(ctx context.Context, sessionID string) (uint64, error) {
	var out struct {
		Version uint64 `json:"version"`
	}
	err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(sessionID)+"/version", nil, &out)
	return out.Version, err
}

// Subscribe polls the change counter of sessionID and signals when it moves.
// Poll failures are logged and retried on the next tick.
func (c *Client) Subscribe(sessionID string) (<-chan struct{}, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan struct{}, 1)
	logger := log.With().Str("module", "api").Str("session", sessionID).Logger()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last, err := c.Version(ctx, sessionID)
		if err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("roster poll")
		}
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			v, err := c.Version(ctx, sessionID)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("roster poll")
				}
				continue
			}
			if v == last {
				continue
			}
			last = v
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func participantPath(sessionID, participantID string) string {
	return "/api/sessions/" + url.PathEscape(sessionID) + "/participants/" + url.PathEscape(participantID)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, respBody)
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

// decodeError maps an error response back onto the domain sentinels.
func decodeError(status int, body []byte) error {
	var e errorBody
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("http %d: %s", status, string(body))
	}
	var sentinel error
	switch e.Code {
	case codeNotFound:
		sentinel = domain.ErrSessionNotFound
	case codeNotActive:
		sentinel = domain.ErrSessionNotActive
	case codeFull:
		sentinel = domain.ErrSessionFull
	case codeNotJoined:
		sentinel = domain.ErrNotJoined
	case codeInvalid:
		sentinel = roster.ErrInvalidSession
	}
	if sentinel == nil {
		return fmt.Errorf("http %d: %s", status, e.Error)
	}
	if strings.HasPrefix(e.Error, sentinel.Error()) {
		return fmt.Errorf("%w%s", sentinel, strings.TrimPrefix(e.Error, sentinel.Error()))
	}
	return fmt.Errorf("%w: %s", sentinel, e.Error)
}

var (
	_ domain.Roster       = (*Client)(nil)
	_ domain.SessionAdmin = (*Client)(nil)
)
