// Package backend is the REST client for session metadata, whiteboard
// snapshots and chat history.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Studyroom/internal/domain"
)

var ErrNotFound = errors.New("not found")

// StatusError is any non-2xx answer other than 404.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	base string
	http *http.Client
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type whiteboardBody struct {
	DrawingData domain.Snapshot `json:"drawing_data"`
}

type messagesBody struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// ParticipantsBody is the live roster as the relay sees it.
type ParticipantsBody struct {
	Participants []domain.Participant `json:"participants"`
	Peers        []domain.UserID      `json:"peers"`
}

func sessionPath(sid domain.SessionID, rest ...string) string {
	return "/api/sessions/" + url.PathEscape(string(sid)) + strings.Join(rest, "")
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) Session(ctx context.Context, sid domain.SessionID) (domain.Enrollment, error) {
	var e domain.Enrollment
	err := c.do(ctx, http.MethodGet, sessionPath(sid), nil, &e)
	return e, err
}

func (c *Client) PutSession(ctx context.Context, s domain.Session) (domain.Session, error) {
	var out domain.Session
	err := c.do(ctx, http.MethodPut, sessionPath(s.ID), s, &out)
	return out, err
}

func (c *Client) Enroll(ctx context.Context, sid domain.SessionID, uid domain.UserID) (domain.Enrollment, error) {
	var e domain.Enrollment
	err := c.do(ctx, http.MethodPost, sessionPath(sid, "/enroll"), map[string]domain.UserID{"user_id": uid}, &e)
	return e, err
}

func (c *Client) Participants(ctx context.Context, sid domain.SessionID) (ParticipantsBody, error) {
	var p ParticipantsBody
	err := c.do(ctx, http.MethodGet, sessionPath(sid, "/participants"), nil, &p)
	return p, err
}

// LoadSnapshot returns ErrNotFound when nothing was saved yet.
func (c *Client) LoadSnapshot(ctx context.Context, sid domain.SessionID) (domain.Snapshot, error) {
	var body whiteboardBody
	if err := c.do(ctx, http.MethodGet, sessionPath(sid, "/whiteboard"), nil, &body); err != nil {
		return domain.Snapshot{}, err
	}
	return body.DrawingData, nil
}

func (c *Client) SaveSnapshot(ctx context.Context, sid domain.SessionID, snap domain.Snapshot) error {
	if err := c.do(ctx, http.MethodPost, sessionPath(sid, "/whiteboard"), whiteboardBody{DrawingData: snap}, nil); err != nil {
		return err
	}
	log.Debug().Str("module", "backend").Str("session", string(sid)).Int("elements", len(snap.Elements)).Msg("snapshot saved")
	return nil
}

// Messages returns up to limit recent messages, oldest first. limit <= 0 uses the server default.
func (c *Client) Messages(ctx context.Context, sid domain.SessionID, limit int) ([]domain.ChatMessage, error) {
	path := sessionPath(sid, "/messages")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var body messagesBody
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

func (c *Client) PostMessage(ctx context.Context, msg domain.ChatMessage) (domain.ChatMessage, error) {
	var out domain.ChatMessage
	err := c.do(ctx, http.MethodPost, sessionPath(msg.SessionID, "/messages"), msg, &out)
	return out, err
}
