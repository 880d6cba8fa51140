package pstransport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/marcus/pocketsync/internal/pswire"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 30 * time.Second
)

// Subscribe opens a long-lived connection to the event stream and
// delivers a RemoteNotification for every non-empty line the server
// sends that parses as one; other lines are skipped. It reconnects with
// exponential backoff on disconnect and runs until ctx is canceled. The
// returned channel is closed only when ctx is done.
func (c *Client) Subscribe(ctx context.Context, log *slog.Logger) <-chan pswire.RemoteNotification {
	if log == nil {
		log = slog.Default()
	}
	out := make(chan pswire.RemoteNotification)

	go func() {
		defer close(out)
		backoff := minBackoff
		for {
			if ctx.Err() != nil {
				return
			}
			err := c.streamOnce(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Warn("event stream disconnected, retrying", "error", err, "backoff", backoff)
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}()

	return out
}

// streamOnce holds one connection open, delivering a notification per
// newline-delimited JSON object, until it errors or ctx is canceled. A
// successful read does not reset the caller's backoff; it keeps doubling
// across reconnects up to maxBackoff.
func (c *Client) streamOnce(ctx context.Context, out chan<- pswire.RemoteNotification) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/events", nil)
	if err != nil {
		return fmt.Errorf("pstransport: build event request: %w", err)
	}
	req.Header.Set("X-PocketSync-Project-Id", c.ProjectID)
	req.Header.Set("X-PocketSync-User-Id", c.UserID())
	req.Header.Set("X-PocketSync-Device-Id", c.DeviceID)
	req.Header.Set("Authorization", "Bearer "+c.AuthToken)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("pstransport: open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("pstransport: event stream status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var note pswire.RemoteNotification
		if err := json.Unmarshal(line, &note); err != nil {
			continue // malformed line; skip rather than drop the whole connection
		}
		select {
		case out <- note:
		case <-ctx.Done():
			return nil
		}
	}
	return scanner.Err()
}
