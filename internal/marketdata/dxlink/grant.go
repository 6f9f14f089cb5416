package dxlink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"
)

// ErrGrant reports a failed or unusable quote-token response.
var ErrGrant = errors.New("dxlink: quote token grant failed")

// DefaultGrantURL is the broker endpoint that exchanges a session token for
// a feed token and endpoint.
const DefaultGrantURL = "https://api.tastyworks.com/api-quote-tokens"

// Grant is a short-lived feed credential and the endpoint it is valid for.
type Grant struct {
	Token string
	URL   string
}

// GrantClient exchanges a long-lived session credential for a Grant.
type GrantClient struct {
	url     string
	timeout time.Duration
	client  *fasthttp.Client
}

// NewGrantClient creates a client for url (DefaultGrantURL when empty).
func NewGrantClient(url string, timeout time.Duration) *GrantClient {
	if url == "" {
		url = DefaultGrantURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GrantClient{
		url:     url,
		timeout: timeout,
		client: &fasthttp.Client{
			Name:                "feedsignal",
			MaxIdleConnDuration: 30 * time.Second,
		},
	}
}

// Fetch requests a grant. The credential is sent as the Authorization header.
func (c *GrantClient) Fetch(ctx context.Context, credential string) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	timeout := c.timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.url)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Authorization", credential)
	req.Header.Set("Accept", "application/json")

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return Grant{}, fmt.Errorf("%w: %v", ErrGrant, err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return Grant{}, fmt.Errorf("%w: status %d", ErrGrant, code)
	}
	return parseGrant(resp.Body())
}

func parseGrant(body []byte) (Grant, error) {
	if !gjson.ValidBytes(body) {
		return Grant{}, fmt.Errorf("%w: invalid json body", ErrGrant)
	}
	res := gjson.GetManyBytes(body, "data.token", "data.dxlink-url")
	g := Grant{Token: res[0].String(), URL: res[1].String()}
	if g.Token == "" || g.URL == "" {
		return Grant{}, fmt.Errorf("%w: response missing token or dxlink-url", ErrGrant)
	}
	return g, nil
}
