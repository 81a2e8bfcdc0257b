// Package transport provides the HTTP implementation of the engine's
// Transport interface: JSON requests against a sync server, authenticated
// with a bearer token.
package transport

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

	"go.uber.org/zap"

	"github.com/driftlab/syncstore/internal/datastore"
)

const defaultRequestTimeout = 90 * time.Second

// Config carries the settings of an HTTP client. BaseURL and AccessToken
// are required.
type Config struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

// Client talks the JSON wire protocol over HTTP. The long-poll await
// endpoint is served with a server-controlled timeout, so the underlying
// HTTP client timeout must exceed it.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewClient validates the configuration and returns a Client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("transport: base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("transport: invalid base URL: %w", err)
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, errors.New("transport: access token is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      logger,
	}, nil
}

type datastorePayload struct {
	DSID        string  `json:"dsid"`
	Handle      string  `json:"handle"`
	Rev         int64   `json:"rev"`
	Role        *int64  `json:"role,omitempty"`
	Title       *string `json:"title,omitempty"`
	MtimeMillis *int64  `json:"mtime,omitempty"`
}

func (p datastorePayload) descriptor() datastore.DatastoreDescriptor {
	return datastore.DatastoreDescriptor{
		ID:          p.DSID,
		Handle:      p.Handle,
		Revision:    p.Rev,
		RoleCode:    p.Role,
		Title:       p.Title,
		MTimeMillis: p.MtimeMillis,
	}
}

type errorPayload struct {
	Error string `json:"error"`
}

// GetDatastore resolves an existing datastore by ID.
func (c *Client) GetDatastore(ctx context.Context, dsid string) (datastore.DatastoreDescriptor, error) {
	var payload datastorePayload
	err := c.post(ctx, "/datastores/get", map[string]any{"dsid": dsid}, &payload)
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	return payload.descriptor(), nil
}

// GetOrCreateDatastore resolves a private datastore, creating it if
// absent.
func (c *Client) GetOrCreateDatastore(ctx context.Context, dsid string) (datastore.DatastoreDescriptor, error) {
	var payload datastorePayload
	err := c.post(ctx, "/datastores/get_or_create", map[string]any{"dsid": dsid}, &payload)
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	return payload.descriptor(), nil
}

// CreateDatastore creates a shareable datastore from a locally generated
// (dsid, key) pair.
func (c *Client) CreateDatastore(ctx context.Context, dsid, key string) (datastore.DatastoreDescriptor, error) {
	var payload datastorePayload
	err := c.post(ctx, "/datastores/create", map[string]any{"dsid": dsid, "key": key}, &payload)
	if err != nil {
		return datastore.DatastoreDescriptor{}, err
	}
	return payload.descriptor(), nil
}

// DeleteDatastore removes a datastore by handle.
func (c *Client) DeleteDatastore(ctx context.Context, handle string) error {
	return c.post(ctx, "/datastores/delete", map[string]any{"handle": handle}, &struct{}{})
}

// ListDatastores returns all datastores for the account.
func (c *Client) ListDatastores(ctx context.Context) (datastore.ListDatastoresResult, error) {
	var payload struct {
		Token      string             `json:"token"`
		Datastores []datastorePayload `json:"datastores"`
	}
	if err := c.post(ctx, "/datastores/list", map[string]any{}, &payload); err != nil {
		return datastore.ListDatastoresResult{}, err
	}
	result := datastore.ListDatastoresResult{Token: payload.Token}
	for _, item := range payload.Datastores {
		result.Datastores = append(result.Datastores, item.descriptor())
	}
	return result, nil
}

// GetSnapshot fetches the full current state of a datastore.
func (c *Client) GetSnapshot(ctx context.Context, handle string) (datastore.Snapshot, error) {
	var payload struct {
		Rev  int64                   `json:"rev"`
		Rows []datastore.SnapshotRow `json:"rows"`
	}
	if err := c.post(ctx, "/datastores/get_snapshot", map[string]any{"handle": handle}, &payload); err != nil {
		return datastore.Snapshot{}, err
	}
	return datastore.Snapshot{Revision: payload.Rev, Rows: payload.Rows}, nil
}

// GetDeltas fetches deltas at or after the given revision.
func (c *Client) GetDeltas(ctx context.Context, handle string, rev int64) ([]datastore.Delta, error) {
	var payload struct {
		Deltas []datastore.Delta `json:"deltas"`
	}
	body := map[string]any{"handle": handle, "rev": rev}
	if err := c.post(ctx, "/datastores/get_deltas", body, &payload); err != nil {
		return nil, err
	}
	return payload.Deltas, nil
}

// PutDelta submits staged changes against a base revision. The server
// answers with either the new revision or a conflict reason; both are
// ordinary responses, not HTTP errors.
func (c *Client) PutDelta(ctx context.Context, handle string, rev int64, changes []any, nonce string) (datastore.PutDeltaResult, error) {
	var payload struct {
		Rev      int64  `json:"rev"`
		Conflict string `json:"conflict"`
	}
	body := map[string]any{
		"handle":  handle,
		"rev":     rev,
		"changes": changes,
		"nonce":   nonce,
	}
	if err := c.post(ctx, "/datastores/put_delta", body, &payload); err != nil {
		return datastore.PutDeltaResult{}, err
	}
	return datastore.PutDeltaResult{Revision: payload.Rev, Conflict: payload.Conflict}, nil
}

// Await blocks until the server reports a list change or fresh deltas, or
// its long-poll timeout elapses.
func (c *Client) Await(ctx context.Context, req datastore.AwaitRequest) (datastore.AwaitResponse, error) {
	var payload struct {
		ListChanged bool               `json:"list_changed"`
		Token       string             `json:"token"`
		Datastores  []datastorePayload `json:"datastores"`
		Deltas      map[string]struct {
			Deltas   []datastore.Delta `json:"deltas"`
			NotFound bool              `json:"notfound"`
		} `json:"deltas"`
	}
	body := map[string]any{
		"token":   req.ListToken,
		"cursors": req.Cursors,
	}
	if err := c.post(ctx, "/datastores/await", body, &payload); err != nil {
		return datastore.AwaitResponse{}, err
	}
	resp := datastore.AwaitResponse{ListChanged: payload.ListChanged, Token: payload.Token}
	for _, item := range payload.Datastores {
		resp.Datastores = append(resp.Datastores, item.descriptor())
	}
	if len(payload.Deltas) > 0 {
		resp.Deltas = make(map[string]datastore.AwaitDeltaUpdate, len(payload.Deltas))
		for handle, update := range payload.Deltas {
			resp.Deltas[handle] = datastore.AwaitDeltaUpdate{Deltas: update.Deltas, NotFound: update.NotFound}
		}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("transport: encode request: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+c.accessToken)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("transport: %s: %w", path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, response.Body)
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return c.statusError(path, response)
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", datastore.ErrProtocol, path, err)
	}
	return nil
}

// statusError maps HTTP error statuses onto the engine's sentinel
// taxonomy so callers can branch with errors.Is.
func (c *Client) statusError(path string, response *http.Response) error {
	var payload errorPayload
	message := response.Status
	if err := json.NewDecoder(response.Body).Decode(&payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	c.logger.Debug("request failed",
		zap.String("path", path),
		zap.Int("status", response.StatusCode),
		zap.String("message", message))
	switch response.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", datastore.ErrNotFound, message)
	case http.StatusForbidden, http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", datastore.ErrPermissionDenied, message)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", datastore.ErrValidation, message)
	default:
		return fmt.Errorf("%w: %s returned %s", datastore.ErrProtocol, path, message)
	}
}
