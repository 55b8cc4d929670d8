// Package binance implements the spot REST and websocket client. Every
// request passes through the rate limit manager before it reaches the wire.
package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agent-wallet/internal/core"
	"agent-wallet/internal/logger"
	"agent-wallet/internal/ratelimit"
	"agent-wallet/internal/security"
)

type AuthType int

const (
	AuthNone AuthType = iota
	AuthAPIKey
	AuthSigned
)

type Client struct {
	signer            *security.Signer
	limits            *ratelimit.Manager
	baseURL           string
	wsBaseURL         string
	clientOrderPrefix string

	recvWindow time.Duration
	httpClient *http.Client
	log        *logger.Entry
}

type Options struct {
	Signer            *security.Signer
	Limits            *ratelimit.Manager
	RestBaseURL       string
	WSBaseURL         string
	ClientOrderPrefix string
	RecvWindowMs      int64
	HTTPTimeoutSec    int64
}

func NewClient(opts Options) (*Client, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("%w: signer required", core.ErrSigning)
	}
	if opts.RestBaseURL == "" {
		return nil, fmt.Errorf("rest base url required")
	}
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	limits := opts.Limits
	if limits == nil {
		limits = ratelimit.New(ratelimit.DefaultLimits())
	}
	return &Client{
		signer:            opts.Signer,
		limits:            limits,
		baseURL:           strings.TrimRight(opts.RestBaseURL, "/"),
		wsBaseURL:         strings.TrimRight(opts.WSBaseURL, "/"),
		clientOrderPrefix: normalizeClientOrderPrefix(opts.ClientOrderPrefix),
		recvWindow:        time.Duration(opts.RecvWindowMs) * time.Millisecond,
		httpClient:        &http.Client{Timeout: timeout},
		log:               logger.GetLogger().WithComponent("binance"),
	}, nil
}

func (c *Client) Name() string { return "binance" }

func (c *Client) Close() error { return nil }

// Limits exposes the rate limit manager for status reporting.
func (c *Client) Limits() *ratelimit.Manager { return c.limits }

func (c *Client) getClientOrderPrefix() string {
	if c.clientOrderPrefix == "" {
		return "aw"
	}
	return c.clientOrderPrefix
}

// OwnsClientID reports whether a client order id was generated by this
// instance.
func (c *Client) OwnsClientID(clientID string) bool {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return false
	}
	return strings.HasPrefix(clientID, c.getClientOrderPrefix())
}

func normalizeClientOrderPrefix(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "aw"
	}
	b := strings.Builder{}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "" {
		return "aw"
	}
	if len(out) > 20 {
		out = out[:20]
	}
	return out
}

func (c *Client) doRequest(ctx context.Context, method, path string, params *security.Params, auth AuthType) ([]byte, error) {
	if params == nil {
		params = security.NewParams()
	}
	weight := requestWeight(path, params.Values())
	if err := c.limits.Acquire(ctx, weight, ratelimit.RequestWeight); err != nil {
		return nil, err
	}
	if isOrderPath(method, path) {
		if err := c.limits.Acquire(ctx, 1, ratelimit.Orders); err != nil {
			return nil, err
		}
	}

	if auth == AuthSigned {
		if c.recvWindow > 0 {
			params.Set("recvWindow", fmt.Sprintf("%d", c.recvWindow.Milliseconds()))
		}
		if _, err := c.signer.SignedParams(params); err != nil {
			return nil, err
		}
	}

	encoded := params.Encode()
	if auth == AuthSigned && c.signer.Scheme() == security.SchemeEd25519 {
		// Ed25519 signs the raw pairs in order; the wire form must match.
		encoded = params.EncodeOrdered()
	}

	var (
		req *http.Request
		err error
	)
	urlStr := c.baseURL + path
	if method == http.MethodGet || method == http.MethodDelete {
		if encoded != "" {
			urlStr += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, urlStr, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, urlStr, strings.NewReader(encoded))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", core.ErrTransport, err)
	}
	if method != http.MethodGet && method != http.MethodDelete {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if auth == AuthAPIKey || auth == AuthSigned {
		req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", core.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", core.ErrTransport, err)
	}

	c.limits.UpdateFromHeaders(resp.Header)
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		wait := c.limits.HandleStatus(resp.StatusCode, resp.Header)
		return nil, fmt.Errorf("%w: server throttled, retry after %s", core.ErrRateLimited, wait)
	case http.StatusTeapot:
		dur := c.limits.HandleStatus(resp.StatusCode, resp.Header)
		return nil, fmt.Errorf("%w: ip ban for %s", core.ErrBanned, dur)
	}
	if resp.StatusCode/100 != 2 {
		return nil, parseAPIError(resp.StatusCode, body)
	}
	return body, nil
}
