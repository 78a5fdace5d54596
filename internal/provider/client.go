package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/proxy"
)

// Error is a failure reported by the external team-management API.
// Retryable covers rate limits, 5xx and transport timeouts; authentication
// and malformed-request failures are permanent for the stored token.
type Error struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider: status %d: %s", e.Status, e.Message)
}

// IsRetryable reports whether err is a provider error worth retrying
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// Member is one member of an external team
type Member struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// TeamInfo is the subscription state the provider reports for a team
type TeamInfo struct {
	Name        string     `json:"name"`
	Plan        string     `json:"plan"`
	MaxMembers  int        `json:"maxMembers"`
	MemberCount int        `json:"memberCount"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// Config configures the provider client
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	ProxyEnabled bool
	ProxyURL     string
	UserAgent    string
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Client is the only component that talks to the external team-management
// API. Every call carries a bounded timeout and browser-like transport
// characteristics so the provider's edge defenses treat it as a browser.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a provider client from configuration
func NewClient(cfg Config) (*Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	if cfg.ProxyEnabled && cfg.ProxyURL != "" {
		u, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}

		switch u.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(u)

		case "socks5":
			var auth *proxy.Auth
			if u.User != nil {
				password, _ := u.User.Password()
				auth = &proxy.Auth{User: u.User.Username(), Password: password}
			}
			dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("socks5 dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}

		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: userAgent,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}, nil
}

// ListMembers lists the current members of a team
func (c *Client) ListMembers(ctx context.Context, accessToken, accountID string) ([]Member, error) {
	var payload struct {
		Items []Member `json:"items"`
	}
	path := fmt.Sprintf("/accounts/%s/members", accountID)
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &payload); err != nil {
		return nil, err
	}
	return payload.Items, nil
}

// GetTeamInfo fetches the team's subscription state
func (c *Client) GetTeamInfo(ctx context.Context, accessToken, accountID string) (*TeamInfo, error) {
	var payload struct {
		Name      string `json:"name"`
		Plan      string `json:"plan_type"`
		Seats     int    `json:"seats_limit"`
		SeatsUsed int    `json:"seats_used"`
		ExpiresAt *int64 `json:"subscription_expires_at"`
	}
	path := fmt.Sprintf("/accounts/%s", accountID)
	if err := c.do(ctx, http.MethodGet, path, accessToken, nil, &payload); err != nil {
		return nil, err
	}

	info := &TeamInfo{
		Name:        payload.Name,
		Plan:        payload.Plan,
		MaxMembers:  payload.Seats,
		MemberCount: payload.SeatsUsed,
	}
	if payload.ExpiresAt != nil {
		t := time.Unix(*payload.ExpiresAt, 0)
		info.ExpiresAt = &t
	}
	return info, nil
}

// Invite invites an email to the team. Safe to call more than once for the
// same (team, email): the provider reporting the user as already invited or
// already a member counts as success, so the allocator's retry path never
// double-charges a slot.
func (c *Client) Invite(ctx context.Context, accessToken, accountID, email string) error {
	body := map[string]interface{}{
		"email_addresses": []string{email},
		"role":            "standard-user",
		"resend_emails":   true,
	}

	path := fmt.Sprintf("/accounts/%s/invites", accountID)
	err := c.do(ctx, http.MethodPost, path, accessToken, body, nil)
	if err == nil {
		return nil
	}

	var pe *Error
	if errors.As(err, &pe) && alreadyMember(pe) {
		log.Debug().Str("email", email).Str("account", accountID).
			Msg("Invite already pending, treating as success")
		return nil
	}
	return err
}

// RemoveMember removes (or un-invites) an email from the team. A member the
// provider no longer knows counts as success.
func (c *Client) RemoveMember(ctx context.Context, accessToken, accountID, email string) error {
	path := fmt.Sprintf("/accounts/%s/members/%s", accountID, url.PathEscape(email))
	err := c.do(ctx, http.MethodDelete, path, accessToken, nil, nil)

	var pe *Error
	if errors.As(err, &pe) && pe.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// alreadyMember recognizes the provider's "already invited/member" shapes
func alreadyMember(pe *Error) bool {
	if pe.Status == http.StatusConflict {
		return true
	}
	msg := strings.ToLower(pe.Message)
	return strings.Contains(msg, "already invited") ||
		strings.Contains(msg, "already a member") ||
		strings.Contains(msg, "already exists")
}

// do runs one HTTP call with browser-like headers and maps the response to
// the provider error taxonomy
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{
			Status:    0,
			Message:   err.Error(),
			Retryable: true, // timeouts and transport failures are transient
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Status: resp.StatusCode, Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return &Error{Status: resp.StatusCode, Message: "malformed response body", Retryable: false}
			}
		}
		return nil
	}

	return &Error{
		Status:    resp.StatusCode,
		Message:   errorMessage(data),
		Retryable: resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
	}
}

// errorMessage pulls a human-readable message out of an error body
func errorMessage(data []byte) string {
	var payload struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
		Msg    string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case payload.Detail != "":
			return payload.Detail
		case payload.Error != "":
			return payload.Error
		case payload.Msg != "":
			return payload.Msg
		}
	}
	msg := strings.TrimSpace(string(data))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = "no response body"
	}
	return msg
}
