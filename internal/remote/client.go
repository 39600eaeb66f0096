// Package remote is the HTTP client for the sync server. Every error it
// returns carries an errors.ErrorCode that tells callers whether retrying
// can help.
package remote

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/possync/internal/errors"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
)

// maxBody bounds how much of a response is read.
const maxBody = 8 << 20

// Client talks to the sync server.
type Client struct {
	baseURL          string
	http             *http.Client
	clientInstanceID string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClientInstance sends id in the X-Client-Instance header.
func WithClientInstance(id string) Option {
	return func(c *Client) { c.clientInstanceID = id }
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.Newf(errors.ErrInvalidConfig, "invalid server url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the server address.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, nil)
	return err
}

// Authenticate creates a server session and returns its token.
func (c *Client) Authenticate(ctx context.Context, userID, secret string) (string, time.Time, error) {
	var out SessionResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, SessionRequest{UserID: userID, Credential: secret}, &out)
	if err != nil {
		if errors.Is(err, errors.ErrSyncAuthFailed) {
			return "", time.Time{}, errors.Wrap(errors.ErrAuthFailed, "server rejected credentials", err)
		}
		return "", time.Time{}, err
	}
	return out.SessionID, time.Unix(out.ExpiresAt, 0), nil
}

// RefreshToken extends a server session.
func (c *Client) RefreshToken(ctx context.Context, token string) (time.Time, error) {
	var out SessionResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(token)+"/refresh", nil, nil, &out); err != nil {
		return time.Time{}, err
	}
	return time.Unix(out.ExpiresAt, 0), nil
}

// ValidateToken asks the server whether a session is still valid.
func (c *Client) ValidateToken(ctx context.Context, token string) (SessionValidation, error) {
	var out SessionValidation
	_, err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(token), nil, nil, &out)
	return out, err
}

// RevokeToken ends a server session.
func (c *Client) RevokeToken(ctx context.Context, token string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/sessions/"+url.PathEscape(token), nil, nil, nil)
	return err
}

// SubmitOperation sends one queued operation. A committed operation returns
// its result; a rejected one fails with SYNC_REJECTED.
func (c *Client) SubmitOperation(ctx context.Context, sub syncpkg.Submission) (json.RawMessage, error) {
	if sub.IdempotencyKey == "" {
		return nil, errors.New(errors.ErrInvalid, "operation has no idempotency key")
	}
	headers := map[string]string{HeaderIdempotencyKey: sub.IdempotencyKey}
	body := OperationRequest{
		ClientInstanceID: sub.ClientInstanceID,
		UserID:           sub.UserID,
		OpType:           sub.OpType,
		EntityID:         sub.EntityID,
		Payload:          sub.Payload,
	}

	var out OperationResponse
	if _, err := c.do(ctx, http.MethodPost, "/v1/operations", headers, body, &out); err != nil {
		return nil, err
	}
	switch out.Status {
	case StatusCommitted:
		return out.Result, nil
	case StatusRejected:
		return nil, errors.Newf(errors.ErrSyncRejected, "operation rejected: %s", out.Reason)
	default:
		return nil, errors.Newf(errors.ErrSyncTransient, "unexpected operation status %q", out.Status)
	}
}

// ModelSnapshot is one fetched model version.
type ModelSnapshot struct {
	Key     string
	Version int64
	Data    json.RawMessage
	// NotModified is set when the server has nothing newer than sinceVersion.
	NotModified bool
}

// FetchModel downloads a reference data model. sinceVersion lets the server
// answer 304 when the cached version is current. A model locked by a
// concurrent server-side rebuild fails with LOCK_CONTENDED.
func (c *Client) FetchModel(ctx context.Context, key string, sinceVersion int64) (*ModelSnapshot, error) {
	path := "/v1/models/" + url.PathEscape(key)
	if sinceVersion > 0 {
		path += "?since_version=" + strconv.FormatInt(sinceVersion, 10)
	}
	var out ModelResponse
	status, err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotModified {
		return &ModelSnapshot{Key: key, Version: sinceVersion, NotModified: true}, nil
	}
	return &ModelSnapshot{Key: key, Version: out.Version, Data: out.Data}, nil
}

// do sends one request and decodes a 2xx body into out.
func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, errors.Wrap(errors.ErrInternal, "encode request", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, errors.Wrap(errors.ErrInternal, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientInstanceID != "" {
		req.Header.Set(HeaderClientInstance, c.clientInstanceID)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, transportError(method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, transportError(method, path, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		return resp.StatusCode, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, statusError(resp.StatusCode, raw)
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, errors.Wrap(errors.ErrSyncTransient, "decode response", err)
		}
	}
	return resp.StatusCode, nil
}

func transportError(method, path string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, fmt.Sprintf("%s %s", method, path), err)
	}
	return errors.Wrap(errors.ErrSyncTransient, fmt.Sprintf("%s %s", method, path), err)
}

// statusError maps an HTTP status to an error code.
func statusError(status int, body []byte) error {
	msg := http.StatusText(status)
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Message != "" {
		msg = er.Message
	}
	msg = fmt.Sprintf("server returned %d: %s", status, msg)

	switch {
	case status == http.StatusRequestTimeout:
		return errors.New(errors.ErrSyncTimeout, msg)
	case status == http.StatusTooManyRequests || status >= 500:
		return errors.New(errors.ErrSyncTransient, msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.New(errors.ErrSyncAuthFailed, msg)
	case status == http.StatusNotFound:
		return errors.New(errors.ErrNotFound, msg)
	case status == http.StatusLocked:
		return errors.New(errors.ErrLockContended, msg)
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return errors.New(errors.ErrSyncRejected, msg)
	default:
		// only an explicit rejection is permanent
		return errors.New(errors.ErrSyncTransient, msg)
	}
}
