package upstream

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

	"github.com/ent0n29/autoshare/internal/reliability"
)

// ErrExchangeUnavailable is returned when no exchange endpoint is set.
var ErrExchangeUnavailable = errors.New("credential exchange is not configured")

// Error describes a failed upstream call.
type Error struct {
	Status    int
	Message   string
	Retryable bool
	// Err is the transport failure, if the call never got a response.
	Err error
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Error() string {
	if e.Status == 0 {
		return e.Message
	}
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Message)
}

type Config struct {
	ShareURL        string
	ExchangeURL     string
	UserAgent       string
	Timeout         time.Duration
	ExchangeTimeout time.Duration
}

// Client performs the unit of work against the configured endpoint.
type Client struct {
	shareURL     string
	exchangeURL  string
	userAgent    string
	shareHTTP    *http.Client
	exchangeHTTP *http.Client
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = 10 * time.Second
	}
	return &Client{
		shareURL:     strings.TrimSpace(cfg.ShareURL),
		exchangeURL:  strings.TrimSpace(cfg.ExchangeURL),
		userAgent:    strings.TrimSpace(cfg.UserAgent),
		shareHTTP:    &http.Client{Timeout: cfg.Timeout},
		exchangeHTTP: &http.Client{Timeout: cfg.ExchangeTimeout},
	}
}

type shareRequest struct {
	Link string `json:"link"`
}

type upstreamReply struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token"`
	Error       *struct {
		Message string `json:"message"`
	} `json:"error"`
	ErrorMsg string `json:"error_msg"`
}

func (r upstreamReply) errorMessage() string {
	if r.Error != nil && strings.TrimSpace(r.Error.Message) != "" {
		return strings.TrimSpace(r.Error.Message)
	}
	return strings.TrimSpace(r.ErrorMsg)
}

// Share performs one unit of work and returns the identifier the upstream
// assigned. A 2xx reply without an id is reported as an error.
func (c *Client) Share(ctx context.Context, cred Credential, link string) (string, error) {
	payload, err := json.Marshal(shareRequest{Link: link})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	target := c.shareURL
	if cred.Token != "" {
		u, err := url.Parse(c.shareURL)
		if err != nil {
			return "", fmt.Errorf("parse share url: %w", err)
		}
		q := u.Query()
		q.Set("access_token", cred.Token)
		u.RawQuery = q.Encode()
		target = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "max-age=0")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if cred.Token == "" && cred.Cookie != "" {
		req.Header.Set("Cookie", cred.Cookie)
	}

	reply, status, err := c.do(c.shareHTTP, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", statusError(status, reply)
	}
	id := strings.TrimSpace(reply.ID)
	if id == "" {
		return "", &Error{Status: status, Message: "reply carried no id"}
	}
	return id, nil
}

// CanExchange reports whether cookie credentials can be exchanged.
func (c *Client) CanExchange() bool {
	return c.exchangeURL != ""
}

// Exchange trades a session cookie for an access token. Retryable statuses
// get one more attempt after a short backoff.
func (c *Client) Exchange(ctx context.Context, cookie string) (string, error) {
	if !c.CanExchange() {
		return "", ErrExchangeUnavailable
	}
	const attempts = 2
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, 200*time.Millisecond, time.Second)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
		token, err := c.exchangeOnce(ctx, cookie)
		if err == nil {
			return token, nil
		}
		lastErr = err
		var uerr *Error
		if !errors.As(err, &uerr) || !uerr.Retryable {
			break
		}
	}
	return "", lastErr
}

func (c *Client) exchangeOnce(ctx context.Context, cookie string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.exchangeURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Cookie", cookie)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	reply, status, err := c.do(c.exchangeHTTP, req)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", statusError(status, reply)
	}
	token := strings.TrimSpace(reply.AccessToken)
	if token == "" {
		msg := reply.errorMessage()
		if msg == "" {
			msg = "failed to extract token from response"
		}
		return "", &Error{Status: status, Message: msg}
	}
	return token, nil
}

func (c *Client) do(hc *http.Client, req *http.Request) (upstreamReply, int, error) {
	res, err := hc.Do(req)
	if err != nil {
		return upstreamReply{}, 0, &Error{Message: err.Error(), Retryable: reliability.IsRetryableTransportError(err), Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return upstreamReply{}, res.StatusCode, &Error{Status: res.StatusCode, Message: fmt.Sprintf("read response: %v", err), Retryable: true}
	}
	var reply upstreamReply
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &reply); err != nil {
			msg := strings.TrimSpace(string(body))
			if len(msg) > 200 {
				msg = msg[:200]
			}
			return upstreamReply{}, res.StatusCode, &Error{
				Status:    res.StatusCode,
				Message:   "unexpected response: " + msg,
				Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			}
		}
	}
	return reply, res.StatusCode, nil
}

func statusError(status int, reply upstreamReply) *Error {
	msg := reply.errorMessage()
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{
		Status:    status,
		Message:   msg,
		Retryable: reliability.IsRetryableHTTPStatus(status),
	}
}
