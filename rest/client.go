// Package rest carries the one HTTP call the gateway client needs: the
// bootstrap fetch of the gateway URL and session start limit.
package rest

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"amaterasu/types"
)

const apiBase = "https://discord.com/api/v8"

// ErrUnauthorized means the token was rejected. There is no point retrying.
var ErrUnauthorized = errors.New("rest: unauthorized")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a minimal bot-API client.
type Client struct {
	http      *fasthttp.Client
	base      string
	token     string
	userAgent string
}

// NewClient builds a client for the given bot token. A leading "Bot " prefix
// is stripped so the stored token is always raw.
func NewClient(token string) *Client {
	return &Client{
		http:  &fasthttp.Client{},
		base:  apiBase,
		token: strings.TrimPrefix(strings.TrimSpace(token), "Bot "),
		userAgent: fmt.Sprintf("%s (%s, %s)",
			types.LibraryName, types.LibraryURL, types.LibraryVersion),
	}
}

// WithBase points the client at a different API base. Used by tests.
func (c *Client) WithBase(base string) *Client {
	c.base = strings.TrimSuffix(base, "/")
	return c
}

// GatewayBot fetches the gateway URL, recommended shard count and identify
// quota for this token.
func (c *Client) GatewayBot() (*types.GatewayBot, error) {
	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	res := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(res)

	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(c.base + "/gateway/bot")
	req.Header.Set(fasthttp.HeaderUserAgent, c.userAgent)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bot "+c.token)

	if err := c.http.DoTimeout(req, res, 15*time.Second); err != nil {
		return nil, fmt.Errorf("rest: fetch gateway: %w", err)
	}

	switch res.StatusCode() {
	case fasthttp.StatusOK:
	case fasthttp.StatusUnauthorized:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("rest: fetch gateway: unexpected status %d", res.StatusCode())
	}

	var gw types.GatewayBot
	if err := json.Unmarshal(res.Body(), &gw); err != nil {
		return nil, fmt.Errorf("rest: decode gateway response: %w", err)
	}
	if gw.URL == "" {
		return nil, errors.New("rest: gateway response missing url")
	}
	return &gw, nil
}
