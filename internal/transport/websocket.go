package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
)

// LiveChanges opens a websocket change feed for one entity type. Each frame
// carries one change. The heartbeat ping/pong pair detects silently-dead
// connections; a missed pong ends the feed with an error so the sync session
// can back off and reconnect.
func (t *httpTransport) LiveChanges(ctx context.Context, entity models.EntityType, since int64) (<-chan RemoteChange, <-chan error, error) {
	wsURL := t.baseURL
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + wsURL[len("http"):]
	}
	endpoint := fmt.Sprintf("%s/%s/_changes?feed=websocket&include_docs=true&since=%d",
		wsURL, url.PathEscape(string(entity)), since)

	headers := http.Header{}
	if t.username != "" {
		// SetBasicAuth writes into the header map we hand the dialer.
		(&http.Request{Header: headers}).SetBasicAuth(t.username, t.password)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, headers)
	if err != nil {
		if resp != nil {
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, nil, &models.RemoteError{StatusCode: resp.StatusCode, Code: "unauthorized", Reason: resp.Status}
			}
			return nil, nil, fmt.Errorf("feed connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, nil, fmt.Errorf("feed connect failed: %w", err)
	}

	changes := make(chan RemoteChange, 64)
	errs := make(chan error, 1)
	done := make(chan struct{})

	logger := t.logger.WithFields(map[string]interface{}{
		"component": "live_feed",
		"entity":    entity,
	})
	logger.Info("Live change feed connected")

	go t.feedPingLoop(conn, done, logger)
	go t.feedReadLoop(ctx, conn, entity, changes, errs, done, logger)

	return changes, errs, nil
}

func (t *httpTransport) feedReadLoop(
	ctx context.Context,
	conn *websocket.Conn,
	entity models.EntityType,
	changes chan<- RemoteChange,
	errs chan<- error,
	done chan struct{},
	logger *events.Logger,
) {
	defer func() {
		close(done)
		_ = conn.Close()
		close(changes)
		close(errs)
	}()

	// Watch for caller cancellation; closing the connection unblocks the
	// pending read below.
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	deadline := t.heartbeat + t.heartbeat/2
	_ = conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	for {
		var wc wireChange
		if err := conn.ReadJSON(&wc); err != nil {
			if ctx.Err() != nil {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				errs <- fmt.Errorf("feed read: %w", err)
			}
			return
		}

		change, err := decodeChange(entity, wc)
		if err != nil {
			logger.WithError(err).WithField("id", wc.ID).Warn("Skipping malformed feed change")
			continue
		}

		select {
		case changes <- change:
		case <-ctx.Done():
			return
		}
	}
}

func (t *httpTransport) feedPingLoop(conn *websocket.Conn, done <-chan struct{}, logger *events.Logger) {
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			logger.Debug("Sending feed ping")
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
