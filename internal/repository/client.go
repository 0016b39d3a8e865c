package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	v1 "github.com/kestrel-lab/project-kestrel/internal/api/v1"
	"github.com/kestrel-lab/project-kestrel/internal/core/config"
)

// TrackingRepository delivers queued event records to the collector.
type TrackingRepository interface {
	SendEvent(ctx context.Context, record *v1.EventRecord) error
}

// FetchRepository is the inbox side of the collector API.
type FetchRepository interface {
	FetchAppInbox(ctx context.Context, projectToken string, ids v1.CustomerIDs, syncToken string) (*AppInboxResponse, error)
	MarkAppInboxRead(ctx context.Context, projectToken string, ids v1.CustomerIDs, messageIDs []string, syncToken string) error
}

// AppInboxResponse is one page of inbox messages. An empty or unchanged
// SyncToken means no further pages.
type AppInboxResponse struct {
	Success   bool              `json:"success"`
	Messages  []AppInboxMessage `json:"messages"`
	SyncToken string            `json:"sync_token"`
}

// AppInboxMessage is the collector's wire shape for one inbox message.
type AppInboxMessage struct {
	ID              string                 `json:"id"`
	Content         map[string]interface{} `json:"content"`
	IsRead          bool                   `json:"is_read"`
	CreateTimestamp int64                  `json:"create_timestamp"`
}

type eventEnvelope struct {
	CustomerIDs v1.CustomerIDs         `json:"customer_ids"`
	EventType   string                 `json:"event_type"`
	Timestamp   int64                  `json:"timestamp"`
	Properties  map[string]interface{} `json:"properties"`
}

type appInboxRequest struct {
	CustomerIDs v1.CustomerIDs `json:"customer_ids"`
	SyncToken   string         `json:"sync_token,omitempty"`
}

type appInboxMarkReadRequest struct {
	CustomerIDs v1.CustomerIDs `json:"customer_ids"`
	MessageIDs  []string       `json:"message_ids"`
	SyncToken   string         `json:"sync_token"`
}

// Client implements both repository interfaces over HTTP.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// NewClient creates a collector client from config. The request timeout was
// validated at startup.
func NewClient(cfg config.CollectorConfig) *Client {
	timeout, err := time.ParseDuration(cfg.RequestTimeout)
	if err != nil {
		timeout = 20 * time.Second
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SendEvent posts one event record to its project endpoint. The record id
// rides along in a header so the collector can deduplicate re-sent records.
func (c *Client) SendEvent(ctx context.Context, record *v1.EventRecord) error {
	endpoint := fmt.Sprintf("%s/track/v2/projects/%s/customers/events", c.baseURL, record.ProjectToken)
	payload := eventEnvelope{
		CustomerIDs: record.CustomerIDs,
		EventType:   record.Type,
		Timestamp:   record.Timestamp,
		Properties:  record.Properties,
	}

	var response struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, endpoint, record.ID, payload, &response); err != nil {
		return err
	}
	if !response.Success {
		return &TransportError{Kind: KindServerError, Status: http.StatusOK}
	}
	return nil
}

// FetchAppInbox requests the next inbox page for the identity since
// syncToken ("" on first fetch).
func (c *Client) FetchAppInbox(ctx context.Context, projectToken string, ids v1.CustomerIDs, syncToken string) (*AppInboxResponse, error) {
	endpoint := fmt.Sprintf("%s/data/v2/projects/%s/appinbox/fetch", c.baseURL, projectToken)
	payload := appInboxRequest{CustomerIDs: ids, SyncToken: syncToken}

	var response AppInboxResponse
	if err := c.post(ctx, endpoint, "", payload, &response); err != nil {
		return nil, err
	}
	if !response.Success {
		return nil, &TransportError{Kind: KindServerError, Status: http.StatusOK}
	}
	return &response, nil
}

// MarkAppInboxRead mirrors local read state to the collector.
func (c *Client) MarkAppInboxRead(ctx context.Context, projectToken string, ids v1.CustomerIDs, messageIDs []string, syncToken string) error {
	endpoint := fmt.Sprintf("%s/data/v2/projects/%s/appinbox/markasread", c.baseURL, projectToken)
	payload := appInboxMarkReadRequest{CustomerIDs: ids, MessageIDs: messageIDs, SyncToken: syncToken}

	var response struct {
		Success bool `json:"success"`
	}
	if err := c.post(ctx, endpoint, "", payload, &response); err != nil {
		return err
	}
	if !response.Success {
		return &TransportError{Kind: KindServerError, Status: http.StatusOK}
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint, idempotencyKey string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Token "+c.authToken)
	}
	if idempotencyKey != "" {
		req.Header.Set("X-Request-Id", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &TransportError{Kind: KindServerError, Status: resp.StatusCode}
	}
	if resp.StatusCode >= 400 {
		return &TransportError{Kind: KindClientError, Status: resp.StatusCode}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Kind: KindConnection, Cause: err}
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			slog.Warn("[Collector] Malformed response body", "endpoint", endpoint, "error", err)
			return &TransportError{Kind: KindClientError, Status: resp.StatusCode, Cause: err}
		}
	}
	return nil
}

// classifyNetworkError maps transport-level failures onto the retry
// taxonomy: deadline problems are timeouts, everything else is a lost
// connection.
func classifyNetworkError(err error) *TransportError {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Cause: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: KindTimeout, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: KindTimeout, Cause: err}
	}
	return &TransportError{Kind: KindConnection, Cause: err}
}
