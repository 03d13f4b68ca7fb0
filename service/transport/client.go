package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"

	"PPAuth/logger"
	"PPAuth/tools/errs"
)

// Client is the auth server surface used by the coordination modules.
// Errors are AuthError (terminal) or NetworkError (retryable).
type Client interface {
	Refresh(ctx context.Context, csrf string, req RefreshRequest) (*RefreshResponse, error)
	SyncSession(ctx context.Context, req SyncRequest) (*SyncResponse, error)
	TokenStatus(ctx context.Context) (*StatusResponse, error)
}

type Config struct {
	BaseURL        string
	RefreshPath    string
	SyncPath       string
	StatusPath     string
	LoginPath      string
	RequestTimeout time.Duration
}

func (c *Config) norm() {
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.RefreshPath == "" {
		c.RefreshPath = "/auth/refresh"
	}
	if c.SyncPath == "" {
		c.SyncPath = "/session/sync"
	}
	if c.StatusPath == "" {
		c.StatusPath = "/auth/status"
	}
	if c.LoginPath == "" {
		c.LoginPath = "/auth/login"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

const headerCSRF = "X-CSRF-Token"

// HTTPClient talks JSON over HTTP and keeps credentials in a cookie jar,
// so every context sharing one HTTPClient shares the cookies.
type HTTPClient struct {
	conf Config
	hc   *http.Client
	log  *zap.Logger

	mu   sync.RWMutex
	csrf string // last token issued by the server
}

func NewHTTPClient(conf Config, log *zap.Logger) (*HTTPClient, error) {
	conf.norm()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, errs.WrapMsg(err, "cookie jar")
	}
	return &HTTPClient{
		conf: conf,
		hc:   &http.Client{Jar: jar, Timeout: conf.RequestTimeout},
		log:  logger.OrNamed(log, "transport"),
	}, nil
}

// CSRFToken returns the latest token seen in a login or refresh response.
func (c *HTTPClient) CSRFToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.csrf
}

func (c *HTTPClient) rememberCSRF(tok string) {
	if tok == "" {
		return
	}
	c.mu.Lock()
	c.csrf = tok
	c.mu.Unlock()
}

func (c *HTTPClient) Login(ctx context.Context, req LoginRequest) (*LoginResponse, error) {
	var out LoginResponse
	if err := c.do(ctx, http.MethodPost, c.conf.LoginPath, "", req, &out); err != nil {
		return nil, err
	}
	c.rememberCSRF(out.CSRFToken)
	return &out, nil
}

func (c *HTTPClient) Refresh(ctx context.Context, csrf string, req RefreshRequest) (*RefreshResponse, error) {
	if csrf == "" {
		csrf = c.CSRFToken()
	}
	var out RefreshResponse
	if err := c.do(ctx, http.MethodPost, c.conf.RefreshPath, csrf, req, &out); err != nil {
		return nil, err
	}
	c.rememberCSRF(out.CSRFToken)
	return &out, nil
}

func (c *HTTPClient) SyncSession(ctx context.Context, req SyncRequest) (*SyncResponse, error) {
	var out SyncResponse
	if err := c.do(ctx, http.MethodPost, c.conf.SyncPath, "", req, &out); err != nil {
		return nil, err
	}
	if out.Status != SyncValid && out.Status != SyncTerminated {
		return nil, errs.ErrMalformed.WrapMsg("sync status", "status", out.Status)
	}
	return &out, nil
}

func (c *HTTPClient) TokenStatus(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, c.conf.StatusPath, "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, csrf string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return errs.WrapMsg(err, "encode request", "path", path)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.conf.BaseURL+path, body)
	if err != nil {
		return errs.WrapMsg(err, "build request", "path", path)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if csrf != "" {
		req.Header.Set(headerCSRF, csrf)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return errs.ErrNetwork.WrapMsg("request failed", "path", path, "err", err.Error())
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errs.ErrNetwork.WrapMsg("read response", "path", path, "err", err.Error())
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.ErrAuth.WrapMsg(reasonOf(raw, "unauthorized"), "path", path, "status", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.ErrNetwork.WrapMsg(reasonOf(raw, "server error"), "path", path, "status", resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errs.ErrMalformed.WrapMsg(reasonOf(raw, "unexpected status"), "path", path, "status", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.ErrMalformed.WrapMsg("decode response", "path", path, "err", err.Error())
	}
	return nil
}

func reasonOf(raw []byte, fallback string) string {
	var b errorBody
	if json.Unmarshal(raw, &b) == nil && b.Reason != "" {
		return b.Reason
	}
	return fallback
}
