package helpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vdavid/helphub/backend/internal/logging"
	"github.com/vdavid/helphub/backend/internal/models"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultMaxPages = 20
	maxErrorBody    = 64 << 10
)

// Options configures a Client.
type Options struct {
	BaseURL    string
	Timeout    time.Duration
	RPS        float64
	Burst      int
	MaxPages   int
	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

// Client talks to the messaging backend on behalf of one user.
// Use New for the shared base client and ForUser to bind a token.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	timeout    time.Duration
	maxPages   int
	rps        float64
	burst      int
	token      string
	limiter    *rate.Limiter
	logger     zerolog.Logger
}

// New creates a client without credentials.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse backend URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("backend URL must be absolute: %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:    base,
		httpClient: opts.HTTPClient,
		timeout:    opts.Timeout,
		maxPages:   opts.MaxPages,
		rps:        opts.RPS,
		burst:      opts.Burst,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.maxPages <= 0 {
		c.maxPages = defaultMaxPages
	}
	if opts.Logger != nil {
		c.logger = opts.Logger.With().Str("component", "helpapi").Logger()
	} else {
		c.logger = logging.Component("helpapi")
	}
	c.limiter = c.newLimiter()

	return c, nil
}

func (c *Client) newLimiter() *rate.Limiter {
	if c.rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := c.burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.rps), burst)
}

// ForUser returns a client that authenticates as the owner of token.
// Each user gets an independent rate limiter.
func (c *Client) ForUser(token string) *Client {
	clone := *c
	clone.token = token
	clone.limiter = c.newLimiter()
	return &clone
}

// CurrentUser returns the identity the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, c.endpoint("api/auth/user/"), nil, &user); err != nil {
		return nil, fmt.Errorf("failed to fetch current user: %w", err)
	}
	return &user, nil
}

// FetchInbox drains the inbox feed page by page.
func (c *Client) FetchInbox(ctx context.Context, pageSize int) ([]models.InboxRecord, error) {
	records, err := fetchAll[models.InboxRecord](ctx, c, "api/messages/inbox/", pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch inbox: %w", err)
	}
	return records, nil
}

// FetchSent drains the sent feed page by page.
func (c *Client) FetchSent(ctx context.Context, pageSize int) ([]models.SentRecord, error) {
	records, err := fetchAll[models.SentRecord](ctx, c, "api/messages/sent/", pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch sent messages: %w", err)
	}
	return records, nil
}

// UnreadCount returns the authoritative number of unread incoming messages.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.do(ctx, http.MethodGet, c.endpoint("api/messages/unread_count/"), nil, &out); err != nil {
		return 0, fmt.Errorf("failed to fetch unread count: %w", err)
	}
	return out.UnreadCount, nil
}

// SendMessage creates a message and returns the stored record.
func (c *Client) SendMessage(ctx context.Context, req models.SendMessageRequest) (*models.SentRecord, error) {
	var record models.SentRecord
	if err := c.do(ctx, http.MethodPost, c.endpoint("api/messages/"), req, &record); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	return &record, nil
}

// MarkRead acknowledges that the user has read a message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	u := c.endpoint("api/messages/" + url.PathEscape(messageID) + "/mark_read/")
	if err := c.do(ctx, http.MethodPost, u, nil, nil); err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", messageID, err)
	}
	return nil
}

// DeleteMessage deletes a message server-side.
func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	u := c.endpoint("api/messages/" + url.PathEscape(messageID) + "/")
	if err := c.do(ctx, http.MethodDelete, u, nil, nil); err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	return nil
}

// GetResource returns one resource listing by id.
func (c *Client) GetResource(ctx context.Context, resourceID string) (*models.Resource, error) {
	var resource models.Resource
	u := c.endpoint("api/resources/" + url.PathEscape(resourceID) + "/")
	if err := c.do(ctx, http.MethodGet, u, nil, &resource); err != nil {
		return nil, fmt.Errorf("failed to fetch resource %s: %w", resourceID, err)
	}
	return &resource, nil
}

// SearchResources returns the first page of resources whose title matches query.
func (c *Client) SearchResources(ctx context.Context, query string) ([]models.Resource, error) {
	u := c.endpoint("api/resources/")
	q := u.Query()
	q.Set("search", query)
	u.RawQuery = q.Encode()

	var page models.Page[models.Resource]
	if err := c.do(ctx, http.MethodGet, u, nil, &page); err != nil {
		return nil, fmt.Errorf("failed to search resources: %w", err)
	}
	return page.Results, nil
}

func (c *Client) endpoint(path string) *url.URL {
	return c.baseURL.JoinPath(path)
}

func fetchAll[T any](ctx context.Context, c *Client, path string, pageSize int) ([]T, error) {
	u := c.endpoint(path)
	if pageSize > 0 {
		q := u.Query()
		q.Set("page_size", strconv.Itoa(pageSize))
		u.RawQuery = q.Encode()
	}

	var all []T
	for page := 1; ; page++ {
		var p models.Page[T]
		if err := c.do(ctx, http.MethodGet, u, nil, &p); err != nil {
			return nil, err
		}
		all = append(all, p.Results...)

		if p.Next == "" {
			return all, nil
		}
		if page >= c.maxPages {
			c.logger.Warn().
				Str("path", path).
				Int("pages", page).
				Int("fetched", len(all)).
				Int("total", p.Count).
				Msg("feed truncated at page limit")
			return all, nil
		}

		next, err := c.baseURL.Parse(p.Next)
		if err != nil {
			return nil, fmt.Errorf("invalid next page link %q: %w", p.Next, err)
		}
		// The token must never leave the backend host.
		if next.Scheme != c.baseURL.Scheme || next.Host != c.baseURL.Host {
			return nil, fmt.Errorf("%w: next page link %q points outside %s", ErrDecode, p.Next, c.baseURL.Host)
		}
		u = next
	}
}

// do performs one request with its own timeout. A nil out discards the body.
func (c *Client) do(ctx context.Context, method string, u *url.URL, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	c.logger.Debug().
		Str("method", method).
		Str("path", u.Path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil {
		apiErr.Code = body.Code
		apiErr.Detail = body.Detail
		if apiErr.Detail == "" {
			apiErr.Detail = body.Error
		}
	} else if len(raw) > 0 {
		apiErr.Detail = string(bytes.TrimSpace(raw))
	}

	return apiErr
}
