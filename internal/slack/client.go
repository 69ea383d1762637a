package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://slack.com/api"

// Client covers the three Slack Web API calls the sync core consumes:
// set a user's status, read it back, and send a direct message.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

type ClientOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewClient(logger *slog.Logger, opts ClientOptions) *Client {
	c := &Client{
		httpClient: opts.HTTPClient,
		baseURL:    opts.BaseURL,
		logger:     logger,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c
}

// SetStatus writes the profile status fields. expiresAtUnix 0 means no
// expiration. Empty text and emoji clear the status.
func (c *Client) SetStatus(ctx context.Context, token, text, emoji string, expiresAtUnix int64) error {
	profile := map[string]any{
		"status_text":  text,
		"status_emoji": emoji,
	}
	if expiresAtUnix > 0 {
		profile["status_expiration"] = expiresAtUnix
	}

	payload, err := json.Marshal(map[string]any{"profile": profile})
	if err != nil {
		return &APIError{Kind: KindTransient, SlackError: "", StatusCode: 0}
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.postJSON(ctx, token, "users.profile.set", payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return classifyAPIError(http.StatusOK, resp.Error, 0)
	}
	return nil
}

// ClearStatus blanks the status fields.
func (c *Client) ClearStatus(ctx context.Context, token string) error {
	return c.SetStatus(ctx, token, "", "", 0)
}

// GetStatus reads the live status text of the given user.
func (c *Client) GetStatus(ctx context.Context, token, userID string) (string, error) {
	q := url.Values{}
	q.Set("user", userID)

	var resp struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Profile *struct {
			StatusText string `json:"status_text"`
		} `json:"profile"`
	}
	if err := c.getForm(ctx, token, "users.profile.get", q, &resp); err != nil {
		return "", err
	}
	if !resp.OK {
		return "", classifyAPIError(http.StatusOK, resp.Error, 0)
	}
	if resp.Profile == nil {
		return "", nil
	}
	return resp.Profile.StatusText, nil
}

// SendMessage posts a direct message. Slack opens the IM channel when the
// channel argument is the recipient's user ID.
func (c *Client) SendMessage(ctx context.Context, token, channel, text string) error {
	payload, err := json.Marshal(map[string]any{
		"channel": channel,
		"text":    text,
	})
	if err != nil {
		return &APIError{Kind: KindTransient}
	}

	var resp struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := c.postJSON(ctx, token, "chat.postMessage", payload, &resp); err != nil {
		return err
	}
	if !resp.OK {
		return classifyAPIError(http.StatusOK, resp.Error, 0)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, token, method string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(payload))
	if err != nil {
		return &APIError{Kind: KindTransient}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	return c.do(req, method, out)
}

func (c *Client) getForm(ctx context.Context, token, method string, q url.Values, out any) error {
	u := c.baseURL + "/" + method
	if enc := q.Encode(); enc != "" {
		u += "?" + enc
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &APIError{Kind: KindTransient}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return c.do(req, method, out)
}

func (c *Client) do(req *http.Request, method string, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, SlackError: "", StatusCode: 0}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return classifyAPIError(resp.StatusCode, "ratelimited", retryAfterHeader(resp))
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("slack_http_error", "method", method, "status", resp.StatusCode)
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, SlackError: fmt.Sprintf("bad response: %.60s", strings.TrimSpace(string(raw)))}
	}
	return nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
