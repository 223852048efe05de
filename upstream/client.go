package upstream

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/internal/nlog"
)

// Client is the rate-limited, retrying, token-caching handle to the media
// server described by spec.md §4.B. Every exported call funnels through
// the process-global gate, so a Client must be constructed once and
// shared — there is deliberately no per-call client creation.
type Client struct {
	baseURL string
	hc      *fasthttp.Client
	gate    *gate
	timeout time.Duration
	retries int
	delay   time.Duration
	log     *nlog.Logger

	tokenMu    sync.Mutex
	tokenCache map[string]cachedToken
	tokenTTL   time.Duration

	sf singleflight.Group
}

type cachedToken struct {
	token   string
	expires time.Time
}

// New constructs a Client. baseURL points at the media server's API root.
func New(baseURL string, cfg *config.Snapshot, log *nlog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		hc:         &fasthttp.Client{MaxConnsPerHost: 4, ReadTimeout: cfg.Timeout(), WriteTimeout: cfg.Timeout()},
		gate:       newGate(cfg.MinGap(), cfg.MaxPerMinute()),
		timeout:    cfg.Timeout(),
		retries:    cfg.MaxRetries(),
		delay:      cfg.RetryDelay(),
		log:        log.WithSource("upstream"),
		tokenCache: make(map[string]cachedToken),
		tokenTTL:   cfg.TokenCacheTTL(),
	}
}

// tokenFor returns a cached per-user token, fetching (and deduplicating
// concurrent fetches via singleflight) on miss or expiry.
func (c *Client) tokenFor(ctx context.Context, userID string) (string, error) {
	c.tokenMu.Lock()
	ct, ok := c.tokenCache[userID]
	c.tokenMu.Unlock()
	if ok && time.Now().Before(ct.expires) {
		return ct.token, nil
	}

	v, err, _ := c.sf.Do(userID, func() (any, error) {
		tok, ferr := c.fetchToken(ctx, userID)
		if ferr != nil {
			return "", ferr
		}
		c.tokenMu.Lock()
		c.tokenCache[userID] = cachedToken{token: tok, expires: time.Now().Add(c.tokenTTL)}
		c.tokenMu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) invalidateToken(userID string) {
	c.tokenMu.Lock()
	delete(c.tokenCache, userID)
	c.tokenMu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context, userID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, "GET", fmt.Sprintf("/users/%s/token", userID), nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// doJSON performs one rate-limited, retried request, decoding the JSON
// response body into out (if non-nil). It is the single chokepoint every
// exported method routes through, so every upstream call passes the gate;
// the gate spaces request starts and does not hold a request back until
// an earlier one has completed.
func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := c.delay * time.Duration(1<<uint(attempt-1))
			jitter := time.Duration(rand.Int63n(int64(backoff)/2+1)) - backoff/4
			sleep := backoff + jitter
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return errs.New(errs.Cancelled, ctx.Err(), "waiting to retry %s", path)
			case <-timer.C:
			}
		}

		if err := c.gate.Wait(ctx); err != nil {
			return errs.New(errs.Cancelled, err, "rate-limit wait for %s", path)
		}

		status, respBody, err := c.send(ctx, method, path, body)
		if err != nil {
			lastErr = errs.New(errs.UpstreamUnavailable, err, "request %s %s", method, path)
			continue
		}

		switch {
		case status == fasthttp.StatusUnauthorized || status == fasthttp.StatusForbidden:
			return errs.New(errs.UpstreamAuth, nil, "auth rejected for %s", path)
		case status >= 500:
			lastErr = errs.New(errs.UpstreamUnavailable, nil, "upstream %d on %s", status, path)
			continue
		case status >= 400:
			return errs.New(errs.UpstreamMalformed, nil, "upstream %d on %s", status, path)
		}

		if out != nil {
			if jerr := jsoniter.Unmarshal(respBody, out); jerr != nil {
				return errs.New(errs.UpstreamMalformed, jerr, "decoding response from %s", path)
			}
		}
		return nil
	}
	return lastErr
}

func (c *Client) send(ctx context.Context, method, path string, body any) (int, []byte, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL + path)
	req.Header.SetMethod(method)
	if body != nil {
		encoded, err := jsoniter.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(encoded)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.hc.DoDeadline(req, resp, deadline); err != nil {
		return 0, nil, err
	}
	respBody := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), respBody, nil
}
