// Package fetchclient performs the raw HTTP exchange for both the Robots
// Policy Cache and the Fetch Worker Pool: a single gocolly collector,
// cloned per request, carrying conditional headers in and returning
// status/headers/body out. The gurt:// scheme is rewritten to plain HTTP
// semantics at the transport layer, matching §1's framing of the protocol
// as a generic request/response transport over headers, status, and body.
package fetchclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/gurtd/gurtd/internal/errs"
)

// Response is the raw result of one fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Truncated  bool
	Duration   time.Duration
}

// Config controls the underlying collector and transport.
type Config struct {
	UserAgent      string
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	MaxBodyBytes   int64
}

// Client performs fetches for a given Config.
type Client struct {
	cfg       Config
	base      *colly.Collector
	transport http.RoundTripper
}

// New builds a Client.
func New(cfg Config) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 8 << 20
	}

	c := colly.NewCollector(colly.Async(false))
	c.UserAgent = cfg.UserAgent
	// Non-2xx responses reach OnResponse with their status instead of
	// becoming errors, and a URL may be fetched again (revalidation, recrawl).
	c.ParseHTTPErrorResponse = true
	c.AllowURLRevisit = true

	transport := &gurtSchemeTransport{
		base: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   cfg.ConnectTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
		},
	}
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.TotalTimeout)

	return &Client{cfg: cfg, base: c, transport: transport}
}

// Fetch issues a GET against rawURL with the given headers (conditional
// headers per §4.6 step 1), capping the body at MaxBodyBytes and flagging
// truncation rather than erroring.
func (c *Client) Fetch(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	start := time.Now()
	collector := c.base.Clone()

	var resp Response
	var fetchErr error
	var truncated bool

	collector.OnRequest(func(r *colly.Request) {
		for k, values := range headers {
			for _, v := range values {
				r.Headers.Set(k, v)
			}
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		body := r.Body
		if int64(len(body)) > c.cfg.MaxBodyBytes {
			body = body[:c.cfg.MaxBodyBytes]
			truncated = true
		}
		resp = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), body...),
			Truncated:  truncated,
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = err
		if r != nil {
			resp.StatusCode = r.StatusCode
		}
	})

	done := make(chan error, 1)
	go func() { done <- collector.Visit(rawURL) }()

	select {
	case <-ctx.Done():
		return Response{}, errs.New(errs.Transient, "fetchclient.fetch", ctx.Err())
	case err := <-done:
		if err != nil {
			return Response{}, errs.New(errs.Transient, "fetchclient.visit", err)
		}
		if fetchErr != nil {
			return Response{}, errs.New(errs.Transient, "fetchclient.response", fetchErr)
		}
		return resp, nil
	}
}

// gurtSchemeTransport rewrites gurt:// requests to http:// before
// delegating to the pooled transport, treating gurt as a thin naming
// layer over ordinary HTTP semantics per §1.
type gurtSchemeTransport struct {
	base http.RoundTripper
}

func (t *gurtSchemeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Scheme != "gurt" {
		return t.base.RoundTrip(req)
	}
	rewritten := new(url.URL)
	*rewritten = *req.URL
	rewritten.Scheme = "http"

	outReq := req.Clone(req.Context())
	outReq.URL = rewritten
	outReq.Host = rewritten.Host

	resp, err := t.base.RoundTrip(outReq)
	if err != nil {
		return nil, fmt.Errorf("gurt transport: %w", err)
	}
	if resp.Request != nil {
		resp.Request.URL = req.URL
	}
	return resp, nil
}
