package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/hamed0406/listingwatch/internal/domain"
)

var ErrNoProbeURL = errors.New("no probe url configured")

// WebConfig describes how to read a search results page. ItemSelector
// matches one element per listing; IDAttr on that element carries the
// marketplace's listing id.
type WebConfig struct {
	UserAgent     string
	ProbeURL      string
	ItemSelector  string
	IDAttr        string
	TitleSelector string
	PriceSelector string
	LinkSelector  string
	Timeout       time.Duration
}

// Web scrapes an HTML results page with colly. The query's "url" param is
// the page to fetch.
type Web struct {
	cfg       WebConfig
	log       *zap.Logger
	transport http.RoundTripper
	queries   QueryLister
}

type QueryLister interface {
	ListQueries(ctx context.Context) ([]domain.MonitoredQuery, error)
}

func NewWeb(cfg WebConfig, log *zap.Logger) *Web {
	return &Web{cfg: cfg, log: log}
}

// WithTransport replaces the per-call proxy transport (tests).
func (w *Web) WithTransport(rt http.RoundTripper) *Web {
	w.transport = rt
	return w
}

// WithQueryProbe makes Probe fetch the first active query's url when no
// ProbeURL is configured.
func (w *Web) WithQueryProbe(queries QueryLister) *Web {
	w.queries = queries
	return w
}

func (w *Web) Search(ctx context.Context, q domain.MonitoredQuery, egress *url.URL) ([]domain.CandidateItem, error) {
	target := strings.TrimSpace(q.Params["url"])
	if target == "" {
		return nil, fmt.Errorf("query %s has no url param", q.ID)
	}

	c := w.collector(ctx, egress)
	var items []domain.CandidateItem
	c.OnHTML(w.cfg.ItemSelector, func(e *colly.HTMLElement) {
		items = append(items, domain.CandidateItem{
			ExternalID: strings.TrimSpace(e.Attr(w.cfg.IDAttr)),
			QueryID:    q.ID,
			Payload:    w.extract(e),
		})
	})

	if err := w.visit(ctx, c, target); err != nil {
		return nil, err
	}
	w.log.Debug("source_search",
		zap.String("query_id", string(q.ID)),
		zap.Int("items", len(items)),
		zap.Bool("proxied", egress != nil),
	)
	return items, nil
}

func (w *Web) Probe(ctx context.Context, egress *url.URL) error {
	target, err := w.probeTarget(ctx)
	if err != nil {
		return err
	}
	return w.visit(ctx, w.collector(ctx, egress), target)
}

func (w *Web) probeTarget(ctx context.Context) (string, error) {
	if w.cfg.ProbeURL != "" {
		return w.cfg.ProbeURL, nil
	}
	if w.queries == nil {
		return "", ErrNoProbeURL
	}
	qs, err := w.queries.ListQueries(ctx)
	if err != nil {
		return "", fmt.Errorf("probe target: %w", err)
	}
	for _, q := range qs {
		if u := strings.TrimSpace(q.Params["url"]); q.Active && u != "" {
			return u, nil
		}
	}
	return "", ErrNoProbeURL
}

func (w *Web) extract(e *colly.HTMLElement) map[string]string {
	p := make(map[string]string, 3)
	if w.cfg.TitleSelector != "" {
		if v := strings.TrimSpace(e.ChildText(w.cfg.TitleSelector)); v != "" {
			p["title"] = v
		}
	}
	if w.cfg.PriceSelector != "" {
		if v := strings.TrimSpace(e.ChildText(w.cfg.PriceSelector)); v != "" {
			p["price"] = v
		}
	}
	if w.cfg.LinkSelector != "" {
		if href := e.ChildAttr(w.cfg.LinkSelector, "href"); href != "" {
			p["url"] = e.Request.AbsoluteURL(href)
		}
	}
	return p
}

func (w *Web) collector(ctx context.Context, egress *url.URL) *colly.Collector {
	c := colly.NewCollector(
		colly.UserAgent(w.cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	if w.cfg.Timeout > 0 {
		c.SetRequestTimeout(w.cfg.Timeout)
	}

	base := w.transport
	if base == nil {
		base = &http.Transport{
			Proxy: http.ProxyURL(egress), // nil egress goes direct
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			// one transport per call, nothing to reuse
			DisableKeepAlives: true,
		}
	}
	c.WithTransport(contextTransport{ctx: ctx, next: base})
	return c
}

func (w *Web) visit(ctx context.Context, c *colly.Collector, target string) error {
	var (
		status int
		header http.Header
	)
	c.OnError(func(r *colly.Response, _ error) {
		if r == nil {
			return
		}
		status = r.StatusCode
		if r.Headers != nil {
			header = *r.Headers
		}
	})

	err := c.Visit(target)
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(header, time.Now()), Err: err}
	case status == 0, status == http.StatusForbidden, status >= 500:
		return &UnavailableError{Status: status, Err: err}
	default:
		return fmt.Errorf("fetch %s: status %d: %w", target, status, err)
	}
}

// contextTransport binds the caller's context to every request colly makes.
type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

// retryAfter reads a Retry-After header in either seconds or HTTP-date form.
func retryAfter(h http.Header, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}
