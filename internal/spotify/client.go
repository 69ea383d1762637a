package spotify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tunesync/internal/models"
)

const (
	defaultAPIBaseURL = "https://api.spotify.com/v1"
	defaultTokenURL   = "https://accounts.spotify.com/api/token"

	unknownArtist = "Unknown Artist"
)

// ErrCircuitOpen is returned without touching the network while the
// platform breaker is open. Classified transient.
var ErrCircuitOpen = errors.New("spotify: circuit open")

// Client talks to the Spotify Web API at the contract level the sync core
// needs: playback state, token refresh, device listing.
type Client struct {
	httpClient   *http.Client
	apiBaseURL   string
	tokenURL     string
	clientID     string
	clientSecret string
	breaker      *Breaker
	logger       *slog.Logger
}

type ClientOptions struct {
	// Overridable in tests; empty means the real endpoints.
	APIBaseURL string
	TokenURL   string
	HTTPClient *http.Client
	Breaker    *Breaker
}

func NewClient(logger *slog.Logger, clientID, clientSecret string, opts ClientOptions) *Client {
	c := &Client{
		httpClient:   opts.HTTPClient,
		apiBaseURL:   opts.APIBaseURL,
		tokenURL:     opts.TokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		breaker:      opts.Breaker,
		logger:       logger,
	}
	if c.httpClient == nil {
		c.httpClient = NewHTTPClient()
	}
	if c.apiBaseURL == "" {
		c.apiBaseURL = defaultAPIBaseURL
	}
	if c.tokenURL == "" {
		c.tokenURL = defaultTokenURL
	}
	if c.breaker == nil {
		c.breaker = NewBreaker()
	}
	return c
}

type playbackStateResponse struct {
	Device *struct {
		ID       *string `json:"id"`
		Name     string  `json:"name"`
		Type     string  `json:"type"`
		IsActive bool    `json:"is_active"`
	} `json:"device"`
	ProgressMs           *int   `json:"progress_ms"`
	IsPlaying            bool   `json:"is_playing"`
	CurrentlyPlayingType string `json:"currently_playing_type"`
	Item                 *struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		DurationMs *int   `json:"duration_ms"`
		Artists    []struct {
			Name string `json:"name"`
		} `json:"artists"`
	} `json:"item"`
}

// CurrentlyPlaying fetches the playback state for the given access token.
// Returns (nil, nil) when nothing is playing or the playing item is not a
// track (podcast, ad).
func (c *Client) CurrentlyPlaying(ctx context.Context, accessToken string) (*models.TrackSnapshot, error) {
	body, err := c.apiGet(ctx, accessToken, "/me/player")
	if err != nil {
		return nil, err
	}
	if body == nil {
		// 204: no active playback session
		return nil, nil
	}

	var ps playbackStateResponse
	if err := json.Unmarshal(body, &ps); err != nil {
		return nil, &APIError{Kind: KindTransient, Message: fmt.Sprintf("decode playback state: %v", err)}
	}

	if ps.Item == nil || (ps.CurrentlyPlayingType != "" && ps.CurrentlyPlayingType != "track") {
		return nil, nil
	}

	artist := unknownArtist
	if len(ps.Item.Artists) > 0 && ps.Item.Artists[0].Name != "" {
		artist = ps.Item.Artists[0].Name
	}

	snap := &models.TrackSnapshot{
		TrackID:    ps.Item.ID,
		Title:      ps.Item.Name,
		Artist:     artist,
		IsPlaying:  ps.IsPlaying,
		DurationMs: ps.Item.DurationMs,
		ProgressMs: ps.ProgressMs,
	}
	if ps.Device != nil {
		snap.DeviceID = ps.Device.ID
		name := ps.Device.Name
		snap.DeviceName = &name
	}
	return snap, nil
}

// ListDevices returns the user's available playback devices.
func (c *Client) ListDevices(ctx context.Context, accessToken string) ([]models.Device, error) {
	body, err := c.apiGet(ctx, accessToken, "/me/player/devices")
	if err != nil {
		return nil, err
	}
	if body == nil {
		return []models.Device{}, nil
	}

	var resp struct {
		Devices []struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Type     string `json:"type"`
			IsActive bool   `json:"is_active"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &APIError{Kind: KindTransient, Message: fmt.Sprintf("decode devices: %v", err)}
	}

	devices := make([]models.Device, 0, len(resp.Devices))
	for _, d := range resp.Devices {
		devices = append(devices, models.Device{ID: d.ID, Name: d.Name, Type: d.Type, Active: d.IsActive})
	}
	return devices, nil
}

// TokenGrant is the result of a successful refresh. RefreshToken is nil
// when Spotify did not rotate it; the caller keeps the old one.
type TokenGrant struct {
	AccessToken  string
	RefreshToken *string
	ExpiresIn    int // seconds
}

// Refresh exchanges a refresh token for a fresh access token. A rejected
// grant (invalid_grant) is classified KindRevoked: the user pulled the
// app's authorization and no retry will help.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyTokenError(resp, raw)
	}

	var grant struct {
		AccessToken  string  `json:"access_token"`
		RefreshToken *string `json:"refresh_token"`
		ExpiresIn    int     `json:"expires_in"`
	}
	if err := json.Unmarshal(raw, &grant); err != nil {
		return nil, &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode token grant: %v", err)}
	}
	if grant.AccessToken == "" {
		return nil, &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "token grant without access_token"}
	}

	return &TokenGrant{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresIn:    grant.ExpiresIn,
	}, nil
}

func (c *Client) classifyTokenError(resp *http.Response, raw []byte) *APIError {
	var body struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	_ = json.Unmarshal(raw, &body)

	msg := body.ErrorDescription
	if msg == "" {
		msg = body.Error
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case body.Error == "invalid_grant":
		return &APIError{Kind: KindRevoked, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Message: msg}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &APIError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Message: msg, RetryAfter: retryAfterHeader(resp)}
	default:
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: msg}
	}
}

// apiGet performs an authorized GET against the Web API. Returns (nil, nil)
// on 204. All failures come back as *APIError.
func (c *Client) apiGet(ctx context.Context, accessToken, path string) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, fmt.Errorf("%w (state %s)", ErrCircuitOpen, c.breaker.StateString())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+path, nil)
	if err != nil {
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &APIError{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		c.breaker.RecordFailure()
		return nil, &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: err.Error()}
	}

	switch resp.StatusCode {
	case http.StatusOK:
		c.breaker.RecordSuccess()
		return raw, nil
	case http.StatusNoContent:
		c.breaker.RecordSuccess()
		return nil, nil
	case http.StatusUnauthorized:
		// auth failures are the account's problem, not the platform's
		c.breaker.RecordSuccess()
		return nil, &APIError{Kind: KindUnauthorized, StatusCode: resp.StatusCode, Message: apiErrorMessage(raw)}
	case http.StatusForbidden:
		c.breaker.RecordSuccess()
		return nil, &APIError{Kind: KindPremiumRequired, StatusCode: resp.StatusCode, Message: apiErrorMessage(raw)}
	case http.StatusNotFound:
		c.breaker.RecordSuccess()
		return nil, &APIError{Kind: KindNoActiveDevice, StatusCode: resp.StatusCode, Message: apiErrorMessage(raw)}
	case http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		return nil, &APIError{Kind: KindRateLimited, StatusCode: resp.StatusCode, Message: apiErrorMessage(raw), RetryAfter: retryAfterHeader(resp)}
	default:
		c.breaker.RecordFailure()
		return nil, &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Message: apiErrorMessage(raw)}
	}
}

func apiErrorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	return "request failed"
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
