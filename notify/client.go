package notify

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/borgitory/borgitory/errors"
)

const maxRedirects = 10

// retryingClient posts notification payloads with bounded retries. When
// guarded it refuses non-HTTP schemes, credential-bearing URLs, and any
// host that resolves to private address space, on the initial request and
// on every redirect.
type retryingClient struct {
	inner   *retryablehttp.Client
	guarded bool
}

func newRetryingClient(timeout time.Duration, retryMax int, guarded bool) *retryingClient {
	c := &retryingClient{guarded: guarded}

	httpClient := &http.Client{Timeout: timeout}
	httpClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.Newf("stopped after %d redirects", maxRedirects)
		}
		return c.validateURL(req.URL)
	}
	if guarded {
		dialer := &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		httpClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				host, _, err := net.SplitHostPort(addr)
				if err != nil {
					return nil, errors.Wrap(err, "invalid address")
				}
				ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
				if err != nil {
					return nil, errors.Wrapf(err, "failed to resolve host %q", host)
				}
				for _, ip := range ips {
					if isPrivateIP(ip) {
						return nil, errors.Newf("private address blocked: %s", ip)
					}
				}
				return dialer.DialContext(ctx, network, addr)
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}

	inner := retryablehttp.NewClient()
	inner.HTTPClient = httpClient
	inner.RetryMax = retryMax
	inner.RetryWaitMin = 500 * time.Millisecond
	inner.RetryWaitMax = 5 * time.Second
	inner.Logger = nil
	c.inner = inner
	return c
}

func (c *retryingClient) post(ctx context.Context, target, contentType string, body []byte) (*http.Response, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, errors.Wrap(err, "invalid notification URL")
	}
	if err := c.validateURL(u); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", contentType)
	return c.inner.Do(req)
}

func (c *retryingClient) validateURL(u *url.URL) error {
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return errors.Newf("scheme %q not allowed", u.Scheme)
	}
	// http://evil.com@localhost/ style confusion.
	if u.User != nil {
		return errors.New("URL must not carry credentials")
	}
	if c.guarded {
		if ip := net.ParseIP(u.Hostname()); ip != nil && isPrivateIP(ip) {
			return errors.Newf("private address blocked: %s", ip)
		}
	}
	return nil
}

func isPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}
