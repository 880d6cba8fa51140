// Package pstransport is the HTTP client that exchanges change sets
// with the sync backend and listens for remote-change notifications.
package pstransport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/marcus/pocketsync/internal/pserrors"
	"github.com/marcus/pocketsync/internal/pswire"
)

const requestTimeout = 30 * time.Second

// Client talks to one sync backend on behalf of one project/device pair.
// UserID is mutable after construction (the host app may not know the
// signed-in user at init time) and is guarded by mu; every other field
// is fixed for the client's lifetime.
type Client struct {
	BaseURL   string
	ProjectID string
	AuthToken string
	DeviceID  string
	HTTP      *http.Client

	mu     sync.RWMutex
	userID string
}

func New(baseURL, projectID, authToken, userID, deviceID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		AuthToken: authToken,
		userID:    userID,
		DeviceID:  deviceID,
		HTTP:      &http.Client{Timeout: requestTimeout},
	}
}

// SetUserID updates the user identity attached to every subsequent
// request, for hosts that only learn who's signed in after the client
// is already constructed (e.g. sync starts before login finishes).
func (c *Client) SetUserID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = id
}

// UserID returns the current user identity.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// SendChanges uploads a change set and returns the server's ack.
func (c *Client) SendChanges(ctx context.Context, cs *pswire.ChangeSet) (*pswire.Ack, error) {
	var ack pswire.Ack
	if err := c.do(ctx, http.MethodPost, "/changes", cs, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// FetchChanges retrieves every change log entry recorded after sinceMs.
func (c *Client) FetchChanges(ctx context.Context, sinceMs int64) ([]pswire.ChangeLog, error) {
	path := fmt.Sprintf("/changes?since=%d", sinceMs)
	var out []pswire.ChangeLog
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("pstransport: encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("pstransport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PocketSync-Project-Id", c.ProjectID)
	req.Header.Set("X-PocketSync-User-Id", c.UserID())
	req.Header.Set("X-PocketSync-Device-Id", c.DeviceID)
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", pserrors.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d", pserrors.ErrAuth, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", pserrors.ErrTransport, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("pstransport: request failed: status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("pstransport: decode response: %w", err)
	}
	return nil
}
