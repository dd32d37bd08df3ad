package chatservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrAuthRejected is returned when the homeserver definitively rejects our
// credentials. It is fatal: the pipeline shuts down instead of retrying.
var ErrAuthRejected = errors.New("chatservice: access token rejected")

// Transport handles HTTP communication with the homeserver's client API.
// It manages auth headers, rate limiting and request logging.
type Transport struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *log.Logger
}

// NewTransport creates a transport for the homeserver at baseURL,
// authenticating every request with the access token. A nil httpClient
// falls back to a default client.
func NewTransport(baseURL, token string, httpClient *http.Client, logger *log.Logger) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Transport{
		baseURL: baseURL,
		token:   token,
		client:  httpClient,
		logger:  logger,
	}
}

// Do executes a request with automatic retry on 429 (Too Many Requests),
// respecting the Retry-After header with the wait capped at 10 minutes.
func (t *Transport) Do(req *http.Request) (*http.Response, error) {
	const maxRetries = 3
	const maxWait = 10 * time.Minute

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: read request body: %w", err)
		}
	}

	for attempt := range maxRetries + 1 {
		if body != nil {
			req.Body = io.NopCloser(bytes.NewReader(body))
		}

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests {
			logf(t.logger, "http %s %s → %d", req.Method, req.URL.Path, resp.StatusCode)
			return resp, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		wait := time.Duration(5<<attempt) * time.Second // 5s, 10s, 20s, 40s
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
				wait = time.Duration(secs) * time.Second
			}
		}
		wait = min(wait, maxWait)

		if attempt == maxRetries {
			logf(t.logger, "http %s %s → 429 (no retries left)", req.Method, req.URL.Path)
			return &http.Response{
				StatusCode: http.StatusTooManyRequests,
				Header:     resp.Header,
				Body:       io.NopCloser(bytes.NewReader(respBody)),
				Request:    req,
			}, nil
		}

		logf(t.logger, "http %s %s → 429, retrying in %v (attempt %d/%d)",
			req.Method, req.URL.Path, wait, attempt+1, maxRetries)

		select {
		case <-time.After(wait):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}

	return nil, fmt.Errorf("transport: retry loop exhausted")
}

func (t *Transport) doJSON(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("transport: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.Do(req)
	if err != nil {
		return fmt.Errorf("transport: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("transport: read response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrAuthRejected, method, path, resp.StatusCode, respBody)
	default:
		return fmt.Errorf("transport: %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("transport: unmarshal response: %w", err)
		}
	}
	return nil
}

// Sync issues one long-poll. An empty since requests the full initial
// state; a zero timeout asks the server to return immediately.
func (t *Transport) Sync(ctx context.Context, since string, timeout time.Duration) (*SyncResponse, error) {
	q := url.Values{}
	if since != "" {
		q.Set("since", since)
	}
	q.Set("timeout", strconv.FormatInt(timeout.Milliseconds(), 10))

	var resp SyncResponse
	if err := t.doJSON(ctx, http.MethodGet, "/_fedchat/client/v1/sync?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// QueryKeys fetches the published device keys for the given users.
func (t *Transport) QueryKeys(ctx context.Context, userIDs []string) (*KeysQueryResponse, error) {
	req := struct {
		DeviceKeys map[string][]string `json:"device_keys"`
	}{DeviceKeys: make(map[string][]string, len(userIDs))}
	for _, id := range userIDs {
		req.DeviceKeys[id] = []string{} // all devices
	}
	var resp KeysQueryResponse
	if err := t.doJSON(ctx, http.MethodPost, "/_fedchat/client/v1/keys/query", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClaimKeys claims one one-time key per requested device. claims maps
// user_id -> device_id -> algorithm.
func (t *Transport) ClaimKeys(ctx context.Context, claims map[string]map[string]string) (*KeysClaimResponse, error) {
	req := struct {
		OneTimeKeys map[string]map[string]string `json:"one_time_keys"`
	}{OneTimeKeys: claims}
	var resp KeysClaimResponse
	if err := t.doJSON(ctx, http.MethodPost, "/_fedchat/client/v1/keys/claim", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendToDevice delivers per-device payloads of one event type in a single
// request. messages maps user_id -> device_id -> content.
func (t *Transport) SendToDevice(ctx context.Context, eventType string, messages map[string]map[string]any) error {
	req := struct {
		Messages map[string]map[string]any `json:"messages"`
	}{Messages: messages}
	path := fmt.Sprintf("/_fedchat/client/v1/sendToDevice/%s/%s", eventType, uuid.NewString())
	return t.doJSON(ctx, http.MethodPut, path, req, nil)
}

// SendRoomEvent posts one timeline event and returns its server-assigned
// event ID.
func (t *Transport) SendRoomEvent(ctx context.Context, roomID, eventType string, content any) (string, error) {
	path := fmt.Sprintf("/_fedchat/client/v1/rooms/%s/send/%s/%s",
		url.PathEscape(roomID), eventType, uuid.NewString())
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := t.doJSON(ctx, http.MethodPut, path, content, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// UploadKeys publishes this device's keys and/or fresh one-time keys and
// returns the server's remaining per-algorithm counts.
func (t *Transport) UploadKeys(ctx context.Context, deviceKeys *DeviceKeys, oneTimeKeys map[string]SignedKey) (map[string]int, error) {
	req := struct {
		DeviceKeys  *DeviceKeys          `json:"device_keys,omitempty"`
		OneTimeKeys map[string]SignedKey `json:"one_time_keys,omitempty"`
	}{DeviceKeys: deviceKeys, OneTimeKeys: oneTimeKeys}
	var resp KeysUploadResponse
	if err := t.doJSON(ctx, http.MethodPost, "/_fedchat/client/v1/keys/upload", req, &resp); err != nil {
		return nil, err
	}
	return resp.OneTimeKeyCounts, nil
}
