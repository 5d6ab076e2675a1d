// Package rest is the HTTP client for the messaging service's REST API:
// history, deletes, uploads and user listings.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/duochat/internal/domain"
	"go.uber.org/zap"
)

// ErrUnexpectedStatus wraps non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status")

// Config controls timeouts and GET retries.
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RetryMaxElapsed time.Duration
}

// Client talks to the REST API with a bearer token.
type Client struct {
	base   *url.URL
	http   *http.Client
	conf   Config
	token  string
	logger *zap.Logger
}

// New creates a client for conf.BaseURL authenticating with token. An empty
// token is allowed for Login.
func New(conf Config, token string, logger *zap.Logger) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(conf.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse api url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", conf.BaseURL)
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 15 * time.Second
	}
	if conf.RetryMaxElapsed <= 0 {
		conf.RetryMaxElapsed = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	tr := &http.Transport{
		DialContext:     (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}
	return &Client{
		base:   base,
		http:   &http.Client{Transport: tr, Timeout: conf.Timeout},
		conf:   conf,
		token:  token,
		logger: logger,
	}, nil
}

// LoginResult carries the credentials returned by the auth endpoint.
type LoginResult struct {
	Token  string `json:"token"`
	UserID int64  `json:"userId"`
}

// Login exchanges a username and password for a token.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResult, error) {
	body, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return LoginResult{}, err
	}
	data, err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, "application/json", bytes.NewReader(body))
	if err != nil {
		return LoginResult{}, fmt.Errorf("login: %w", err)
	}
	var res LoginResult
	if err := json.Unmarshal(data, &res); err != nil {
		return LoginResult{}, fmt.Errorf("decode login response: %w", err)
	}
	if res.Token == "" || res.UserID == 0 {
		return LoginResult{}, errors.New("login response missing token or user id")
	}
	return res, nil
}

// History returns the ordered conversation between a and b.
func (c *Client) History(ctx context.Context, a, b domain.UserID) ([]domain.Message, error) {
	data, err := c.get(ctx, historyPath(a, b), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	msgs, err := domain.DecodeMessageList(data)
	if err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return msgs, nil
}

// ClearHistory deletes the persisted conversation between a and b.
func (c *Client) ClearHistory(ctx context.Context, a, b domain.UserID) error {
	if _, err := c.do(ctx, http.MethodDelete, historyPath(a, b), nil, "", nil); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// DeleteMessage deletes one message. A response with success=false is an error.
func (c *Client) DeleteMessage(ctx context.Context, id domain.MessageID) error {
	data, err := c.do(ctx, http.MethodDelete, "/api/messages/"+strconv.FormatInt(int64(id), 10), nil, "", nil)
	if err != nil {
		return fmt.Errorf("delete message %d: %w", id, err)
	}
	var res deleteResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode delete response: %w", err)
	}
	if !res.Success {
		if res.Error == "" {
			res.Error = "rejected"
		}
		return fmt.Errorf("delete message %d: %s", id, res.Error)
	}
	return nil
}

// Upload sends r as the multipart "file" field and returns the content URL.
func (c *Client) Upload(ctx context.Context, name string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	data, err := c.do(ctx, http.MethodPost, "/api/files/upload", nil, mw.FormDataContentType(), &buf)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	// The endpoint answers with the bare URL, sometimes JSON-quoted.
	u := strings.TrimSpace(string(data))
	if unq, err := strconv.Unquote(u); err == nil {
		u = unq
	}
	if u == "" {
		return "", fmt.Errorf("upload %s: empty url in response", name)
	}
	return u, nil
}

// Users lists every account.
func (c *Client) Users(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := c.getJSON(ctx, "/api/users", nil, &users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

// SearchUsers lists accounts matching query.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]domain.User, error) {
	var users []domain.User
	if err := c.getJSON(ctx, "/api/users/search", url.Values{"query": {query}}, &users); err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	return users, nil
}

// Partners lists the users self has exchanged messages with.
func (c *Client) Partners(ctx context.Context, self domain.UserID) ([]domain.Partner, error) {
	id := strconv.FormatInt(int64(self), 10)
	var partners []domain.Partner
	if err := c.getJSON(ctx, "/api/users/conversations/"+id, url.Values{"userId": {id}}, &partners); err != nil {
		return nil, fmt.Errorf("list conversation partners: %w", err)
	}
	return partners, nil
}

func historyPath(a, b domain.UserID) string {
	return fmt.Sprintf("/api/messages/history/%d/%d", a, b)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v any) error {
	data, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// get retries transport errors and 5xx responses with exponential backoff.
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	var data []byte
	operation := func() error {
		d, err := c.do(ctx, http.MethodGet, path, query, "", nil)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code < 500 {
				return backoff.Permanent(err)
			}
			c.logger.Debug("retrying request", zap.String("path", path), zap.Error(err))
			return err
		}
		data = d
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.conf.RetryMaxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(b, ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %d", ErrUnexpectedStatus, e.Code)
	}
	return fmt.Sprintf("%s %d: %s", ErrUnexpectedStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrUnexpectedStatus }

func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) ([]byte, error) {
	u := *c.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(truncate(data, 200)))}
	}
	return data, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) > n {
		return b[:n]
	}
	return b
}
