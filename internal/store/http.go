package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const httpDefaultTimeout = 10 * time.Second

// ErrRoomNotFound is returned by FetchRoom when the store has no such room.
var ErrRoomNotFound = errors.New("store: room not found")

// HTTPStore calls the platform API over HTTP with a bearer token.
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPStore constructs a store client for the given API base URL.
func NewHTTPStore(baseURL, token string, timeout time.Duration) (*HTTPStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("store: empty base URL")
	}
	if timeout <= 0 {
		timeout = httpDefaultTimeout
	}
	return &HTTPStore{
		baseURL: baseURL,
		token:   strings.TrimSpace(token),
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// Close is a no-op; the underlying http.Client has no resources to release.
func (s *HTTPStore) Close() error { return nil }

// SaveMessage POSTs a message to the room's message collection.
func (s *HTTPStore) SaveMessage(ctx context.Context, msg Message) error {
	if s == nil {
		return errors.New("store: nil store")
	}
	if strings.TrimSpace(msg.RoomID) == "" {
		return errors.New("store: missing roomId")
	}

	path := "/api/rooms/" + url.PathEscape(msg.RoomID) + "/messages"
	return s.post(ctx, path, msg, nil)
}

// FetchRoom GETs a room by id.
func (s *HTTPStore) FetchRoom(ctx context.Context, roomID string) (Room, error) {
	if s == nil {
		return Room{}, errors.New("store: nil store")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return Room{}, errors.New("store: missing roomId")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/rooms/"+url.PathEscape(roomID), nil)
	if err != nil {
		return Room{}, err
	}
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return Room{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Room{}, ErrRoomNotFound
	}
	if resp.StatusCode >= 300 {
		return Room{}, apiError(resp)
	}

	var room Room
	if err := json.NewDecoder(resp.Body).Decode(&room); err != nil {
		return Room{}, fmt.Errorf("store: decode room: %w", err)
	}
	return room, nil
}

func (s *HTTPStore) post(ctx context.Context, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	s.auth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (s *HTTPStore) auth(req *http.Request) {
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
}

func apiError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
	return fmt.Errorf("store: api error: %s body=%s", resp.Status, string(body))
}
