package client

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

	"github.com/listhit/listsync/internal/wire"
)

var ErrJoinFailed = errors.New("join failed")

// LeftoverMessage is one queued delivery returned by the relay's
// leftover endpoint.
type LeftoverMessage struct {
	From    string        `json:"from"`
	Message wire.Envelope `json:"message"`
}

// APIClient talks to the relay's HTTP surface. The device identity
// rides on every request as the userId cookie, matching the channel
// handshake.
type APIClient struct {
	baseURL    string
	identity   string
	httpClient *http.Client
}

func NewAPIClient(baseURL, identity string, httpClient *http.Client) *APIClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &APIClient{
		baseURL:    baseURL,
		identity:   strings.TrimSpace(identity),
		httpClient: httpClient,
	}
}

// Join asks the relay for a handoff snapshot of the owner's list. The
// relay answers "failed" when the owner is offline or silent; that is a
// retriable condition, not a protocol error.
func (c *APIClient) Join(ctx context.Context, listID, ownerID string) (wire.Snapshot, error) {
	if listID == "" || ownerID == "" {
		return wire.Snapshot{}, ErrInvalidInput
	}
	body := map[string]string{
		"userId":     c.identity,
		"fromUserId": ownerID,
	}
	raw, status, err := c.do(ctx, http.MethodPost, "/shared/list/"+url.PathEscape(listID), body)
	if err != nil {
		return wire.Snapshot{}, err
	}
	if status != http.StatusOK || bytes.Equal(raw, []byte("failed")) {
		return wire.Snapshot{}, fmt.Errorf("%w: relay answered %d %s", ErrJoinFailed, status, raw)
	}
	var snapshot wire.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return wire.Snapshot{}, fmt.Errorf("%w: undecodable snapshot: %v", ErrJoinFailed, err)
	}
	return snapshot, nil
}

// Leftovers fetches the queued deliveries for this identity without
// consuming them.
func (c *APIClient) Leftovers(ctx context.Context) ([]LeftoverMessage, error) {
	raw, status, err := c.do(ctx, http.MethodGet, "/shared/getLeftOverMessages", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK || bytes.Equal(raw, []byte("failed")) {
		return nil, fmt.Errorf("leftovers: relay answered %d %s", status, raw)
	}
	var messages []LeftoverMessage
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("leftovers: %w", err)
	}
	return messages, nil
}

// DeleteLeftovers clears this identity's queue after the messages have
// been applied locally.
func (c *APIClient) DeleteLeftovers(ctx context.Context) error {
	raw, status, err := c.do(ctx, http.MethodPost, "/shared/deleteLeftOverMessages", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK || !bytes.Equal(raw, []byte("done")) {
		return fmt.Errorf("delete leftovers: relay answered %d %s", status, raw)
	}
	return nil
}

// DeleteSharedList removes the relay-side membership record for a list
// this device is deleting.
func (c *APIClient) DeleteSharedList(ctx context.Context, listID string) error {
	if listID == "" {
		return ErrInvalidInput
	}
	raw, status, err := c.do(ctx, http.MethodPost, "/shared/delete/"+url.PathEscape(listID), nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK || !bytes.Equal(raw, []byte("done")) {
		return fmt.Errorf("delete shared list: relay answered %d %s", status, raw)
	}
	return nil
}

func (c *APIClient) do(ctx context.Context, method, requestPath string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return nil, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.AddCookie(&http.Cookie{Name: "userId", Value: c.identity})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return raw, resp.StatusCode, nil
}
