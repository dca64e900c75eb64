package pharos

// Client for the Pharos testnet web API: wallet login and daily check-in.
// Transport only; retries are left to the caller.

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

	"github.com/golang-jwt/jwt/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ligun0805/pharos-autobot/internal/wallet"
)

const (
	DefaultBaseURL   = "https://api.pharosnetwork.xyz"
	DefaultOrigin    = "https://testnet.pharosnetwork.xyz"
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/136.0.0.0 Safari/537.36"

	maxResponseSize = 1 << 20
)

var (
	ErrNoToken = errors.New("jwt token not found in login response")
)

// APIError is a well-formed response whose code is not a success code.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s failed: code=%d msg=%s", e.Op, e.Code, e.Msg)
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("http error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("http error (%d): %s", e.StatusCode, string(e.Body))
}

// Session is the result of a login; it lives for one wallet pass.
type Session struct {
	Address   string
	Token     string
	ExpiresAt time.Time
}

type CheckInStatus int

const (
	CheckedIn CheckInStatus = iota
	AlreadyCheckedIn
)

func (s CheckInStatus) String() string {
	if s == AlreadyCheckedIn {
		return "already checked in"
	}
	return "checked in"
}

type Options struct {
	BaseURL     string
	Origin      string
	Referer     string
	UserAgent   string
	SignMessage string
	RatePerSec  float64
	HTTPClient  *http.Client
	Logger      *zap.Logger
}

type Client struct {
	baseURL     string
	headers     map[string]string
	signMessage string
	httpClient  *http.Client
	limiter     *rate.Limiter
	breaker     *gobreaker.CircuitBreaker
	log         *zap.Logger
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Origin == "" {
		opts.Origin = DefaultOrigin
	}
	if opts.Referer == "" {
		opts.Referer = strings.TrimRight(opts.Origin, "/") + "/"
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.SignMessage == "" {
		opts.SignMessage = "pharos"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 90 * time.Second,
			},
		}
	}
	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}

	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		signMessage: opts.SignMessage,
		httpClient:  opts.HTTPClient,
		limiter:     rate.NewLimiter(limit, 1),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "PharosAPI",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				opts.Logger.Warn("circuit breaker state change",
					zap.String("name", name), zap.Stringer("from", from), zap.Stringer("to", to))
			},
		}),
		headers: map[string]string{
			"accept":          "application/json, text/plain, */*",
			"accept-language": "en-GB,en;q=0.6",
			"origin":          opts.Origin,
			"referer":         opts.Referer,
			"user-agent":      opts.UserAgent,
		},
		log: opts.Logger,
	}
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	JWT  string `json:"jwt"`
	Data *struct {
		JWT string `json:"jwt"`
	} `json:"data"`
}

// Login signs the challenge message with w and exchanges it for a session token.
func (c *Client) Login(ctx context.Context, w *wallet.Wallet) (Session, error) {
	sig, err := w.SignMessage(c.signMessage)
	if err != nil {
		return Session{}, fmt.Errorf("sign login message: %w", err)
	}
	q := url.Values{}
	q.Set("address", w.Address.Hex())
	q.Set("signature", sig)

	resp, err := c.post(ctx, "/user/login?"+q.Encode(), "null", nil, "")
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	if resp.Code != 0 {
		return Session{}, &APIError{Op: "login", Code: resp.Code, Msg: resp.Msg}
	}
	token := resp.JWT
	if resp.Data != nil && resp.Data.JWT != "" {
		token = resp.Data.JWT
	}
	if token == "" {
		return Session{}, ErrNoToken
	}

	s := Session{Address: w.Address.Hex(), Token: token, ExpiresAt: tokenExpiry(token)}
	c.log.Debug("login ok", zap.String("wallet", s.Address), zap.Time("expires", s.ExpiresAt))
	return s, nil
}

// CheckIn performs the daily check-in. Code 1 means it was already done today.
func (c *Client) CheckIn(ctx context.Context, s Session) (CheckInStatus, error) {
	q := url.Values{}
	q.Set("address", s.Address)
	resp, err := c.post(ctx, "/sign/in?"+q.Encode(), s.Token, []byte(s.Address), "text/plain")
	if err != nil {
		return 0, fmt.Errorf("check-in: %w", err)
	}
	switch resp.Code {
	case 0:
		return CheckedIn, nil
	case 1:
		return AlreadyCheckedIn, nil
	default:
		return 0, &APIError{Op: "check-in", Code: resp.Code, Msg: resp.Msg}
	}
}

func (c *Client) post(ctx context.Context, pathQuery, bearer string, body []byte, contentType string) (*apiResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+pathQuery, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		req.Header.Set("authorization", "Bearer "+bearer)
		if contentType != "" {
			req.Header.Set("content-type", contentType)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, err
		}
		c.log.Debug("api response",
			zap.String("path", req.URL.Path),
			zap.Int("status", resp.StatusCode),
			zap.Duration("took", time.Since(start)))
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &HTTPError{StatusCode: resp.StatusCode, Body: b}
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}

	var out apiResponse
	if err := json.Unmarshal(raw.([]byte), &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// tokenExpiry reads the exp claim without verifying the signature; zero if absent.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0)
	case json.Number:
		if n, err := exp.Int64(); err == nil {
			return time.Unix(n, 0)
		}
	}
	return time.Time{}
}
