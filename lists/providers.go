package lists

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"

	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/upstream"
)

// httpFeed is a minimal shared helper for providers that speak JSON over
// HTTP: trending/popular/topN/custom-URL feeds are all "GET a JSON array
// of {title,year,external_ids,kind}", varying only in endpoint
// construction.
type httpFeed struct {
	client *fasthttp.Client
}

func newHTTPFeed() *httpFeed {
	return &httpFeed{client: &fasthttp.Client{}}
}

type wireItem struct {
	Title       string            `json:"title"`
	Year        int               `json:"year"`
	ExternalIDs map[string]string `json:"external_ids"`
	Kind        string            `json:"kind"`
}

func (h *httpFeed) fetch(ctx context.Context, url string) ([]Item, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod("GET")
	if err := h.client.Do(req, resp); err != nil {
		return nil, errs.New(errs.ProviderFailure, err, "fetching %s", url)
	}
	if resp.StatusCode() >= 400 {
		return nil, errs.New(errs.ProviderFailure, nil, "fetching %s: status %d", url, resp.StatusCode())
	}
	var wire []wireItem
	if err := jsoniter.Unmarshal(resp.Body(), &wire); err != nil {
		return nil, errs.New(errs.ProviderFailure, err, "decoding %s", url)
	}
	items := make([]Item, 0, len(wire))
	for _, w := range wire {
		items = append(items, Item{
			Title: w.Title, Year: w.Year,
			ExternalIDs: upstream.ExternalIDs(w.ExternalIDs),
			Kind:        upstream.MediaKind(w.Kind),
		})
	}
	return items, nil
}

// TrendingProvider fetches a "what's trending now" feed from a
// configured endpoint (provider_config["url"]).
type TrendingProvider struct{ feed *httpFeed }

func NewTrendingProvider() *TrendingProvider { return &TrendingProvider{feed: newHTTPFeed()} }

func (p *TrendingProvider) Refresh(ctx context.Context, conf map[string]string) ([]Item, error) {
	return p.feed.fetch(ctx, conf["url"])
}

// PopularProvider fetches a "most popular" feed.
type PopularProvider struct{ feed *httpFeed }

func NewPopularProvider() *PopularProvider { return &PopularProvider{feed: newHTTPFeed()} }

func (p *PopularProvider) Refresh(ctx context.Context, conf map[string]string) ([]Item, error) {
	return p.feed.fetch(ctx, conf["url"])
}

// PersonalListProvider fetches a single user's curated external list
// (provider_config["url"], typically parameterized with their account
// ID upstream).
type PersonalListProvider struct{ feed *httpFeed }

func NewPersonalListProvider() *PersonalListProvider { return &PersonalListProvider{feed: newHTTPFeed()} }

func (p *PersonalListProvider) Refresh(ctx context.Context, conf map[string]string) ([]Item, error) {
	return p.feed.fetch(ctx, conf["url"])
}

// TopNProvider fetches a ranked feed and truncates to N entries
// (provider_config["n"] as a stringified int — "top N").
type TopNProvider struct{ feed *httpFeed }

func NewTopNProvider() *TopNProvider { return &TopNProvider{feed: newHTTPFeed()} }

func (p *TopNProvider) Refresh(ctx context.Context, conf map[string]string) ([]Item, error) {
	items, err := p.feed.fetch(ctx, conf["url"])
	if err != nil {
		return nil, err
	}
	n := parseIntOr(conf["n"], len(items))
	if n < len(items) {
		items = items[:n]
	}
	return items, nil
}

func parseIntOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// CustomURLFeedProvider is the escape hatch: any JSON feed matching the
// wire shape above, at an arbitrary operator-configured URL.
type CustomURLFeedProvider struct{ feed *httpFeed }

func NewCustomURLFeedProvider() *CustomURLFeedProvider { return &CustomURLFeedProvider{feed: newHTTPFeed()} }

func (p *CustomURLFeedProvider) Refresh(ctx context.Context, conf map[string]string) ([]Item, error) {
	return p.feed.fetch(ctx, conf["url"])
}

// DefaultRegistry registers the adapters spec.md §4.J names: "trending",
// "popular", "personal user list", "top N", and "custom URL feed".
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("trending", NewTrendingProvider())
	r.Register("popular", NewPopularProvider())
	r.Register("personal", NewPersonalListProvider())
	r.Register("topn", NewTopNProvider())
	r.Register("custom_url", NewCustomURLFeedProvider())
	return r
}
