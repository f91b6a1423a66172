package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/events"
	"github.com/tillsync/tillsync/internal/models"
)

// httpTransport implements Client over HTTP with a websocket live feed.
type httpTransport struct {
	client   *http.Client
	baseURL  string
	username string
	password string
	logger   *events.Logger

	maxRetries int
	retryDelay time.Duration

	heartbeat time.Duration
}

func newHTTPTransport(cfg *config.RemoteConfig, heartbeat time.Duration, logger *events.Logger) *httpTransport {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}

	return &httpTransport{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		heartbeat:  heartbeat,
		logger:     logger.WithField("component", "remote_client"),
	}
}

// SetCredentials replaces the basic auth pair, e.g. after a login.
func (t *httpTransport) SetCredentials(username, password string) {
	t.username = username
	t.password = password
}

// Ping checks remote reachability.
func (t *httpTransport) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.baseURL+"/_up", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	t.auth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping remote: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &models.RemoteError{StatusCode: resp.StatusCode, Code: "unreachable", Reason: resp.Status}
	}
	return nil
}

// wireChangesResponse mirrors the changes endpoint payload.
type wireChangesResponse struct {
	Results []wireChange `json:"results"`
	LastSeq int64        `json:"last_seq"`
}

type wireChange struct {
	ID      string          `json:"id"`
	Seq     int64           `json:"seq"`
	Deleted bool            `json:"deleted,omitempty"`
	Doc     json.RawMessage `json:"doc"`
}

// Changes pulls a batch of changes after the given remote sequence.
func (t *httpTransport) Changes(ctx context.Context, entity models.EntityType, since int64, limit int) (*ChangesResult, error) {
	endpoint := fmt.Sprintf("%s/%s/_changes?include_docs=true&since=%d&limit=%d",
		t.baseURL, url.PathEscape(string(entity)), since, limit)

	body, err := t.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var wire wireChangesResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("parse changes response: %w", err)
	}

	result := &ChangesResult{LastSeq: wire.LastSeq}
	for _, wc := range wire.Results {
		change, err := decodeChange(entity, wc)
		if err != nil {
			t.logger.WithError(err).WithField("id", wc.ID).Warn("Skipping malformed change")
			continue
		}
		result.Changes = append(result.Changes, change)
		if wc.Seq > result.LastSeq {
			result.LastSeq = wc.Seq
		}
	}
	return result, nil
}

func decodeChange(entity models.EntityType, wc wireChange) (RemoteChange, error) {
	doc, err := models.ParseWire(entity, wc.Doc)
	if err != nil {
		return RemoteChange{}, err
	}
	doc.Deleted = doc.Deleted || wc.Deleted
	return RemoteChange{Doc: doc, Seq: wc.Seq, Deleted: doc.Deleted}, nil
}

// BulkDocs pushes documents and returns per-document outcomes.
func (t *httpTransport) BulkDocs(ctx context.Context, entity models.EntityType, docs []*models.Document) ([]BulkDocResult, error) {
	raw := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		b, err := doc.MarshalWire()
		if err != nil {
			return nil, fmt.Errorf("encode document %s: %w", doc.ID, err)
		}
		raw = append(raw, b)
	}

	payload, err := json.Marshal(map[string]interface{}{"docs": raw})
	if err != nil {
		return nil, fmt.Errorf("encode bulk payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/_bulk_docs", t.baseURL, url.PathEscape(string(entity)))
	body, err := t.do(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return nil, err
	}

	var results []BulkDocResult
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, fmt.Errorf("parse bulk response: %w", err)
	}
	return results, nil
}

func (t *httpTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// do executes a request with bounded retry. Transport failures and 5xx
// responses retry with exponential backoff; auth rejections and other client
// errors surface immediately.
func (t *httpTransport) do(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	delay := t.retryDelay
	var lastErr error

	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			t.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
			}).Debug("Retrying request")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay *= 2
		}

		body, retryable, err := t.once(ctx, method, endpoint, payload)
		if err == nil {
			return body, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (t *httpTransport) once(ctx context.Context, method, endpoint string, payload []byte) (body []byte, retryable bool, err error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, false, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	t.auth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode < 300:
		return body, false, nil
	case resp.StatusCode >= 500:
		return nil, true, &models.RemoteError{StatusCode: resp.StatusCode, Code: "server_error", Reason: truncate(body)}
	default:
		remoteErr := &models.RemoteError{StatusCode: resp.StatusCode, Code: "request_failed", Reason: truncate(body)}
		var detail struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		if json.Unmarshal(body, &detail) == nil && detail.Error != "" {
			remoteErr.Code = detail.Error
			remoteErr.Reason = detail.Reason
		}
		return nil, false, remoteErr
	}
}

func (t *httpTransport) auth(req *http.Request) {
	if t.username != "" {
		req.SetBasicAuth(t.username, t.password)
	}
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
