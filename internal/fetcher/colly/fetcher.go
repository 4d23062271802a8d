// Package collyfetcher implements storefront sessions over plain HTTP using
// gocolly, for storefronts that render the product grid server side.
package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/fetcher/parse"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// RegionPlaceholder is replaced with the escaped region code in URLTemplate.
const RegionPlaceholder = "{region}"

// Config controls collector behavior.
type Config struct {
	// URLTemplate is the listing URL, optionally containing RegionPlaceholder.
	URLTemplate string
	// RegionCookie, when set, carries the region code as a cookie.
	RegionCookie  string
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Factory hands out sessions, each with its own connection pool.
type Factory struct {
	cfg    Config
	parser *parse.Parser
	logger *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, parser *parse.Parser, logger *zap.Logger) (*Factory, error) {
	if cfg.URLTemplate == "" {
		return nil, errors.New("storefront url template is required")
	}
	if !strings.Contains(cfg.URLTemplate, RegionPlaceholder) && cfg.RegionCookie == "" {
		return nil, fmt.Errorf("url template must contain %s or a region cookie must be set", RegionPlaceholder)
	}
	if parser == nil {
		return nil, errors.New("parser is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg, parser: parser, logger: logger}, nil
}

// Acquire builds a collector bound to a fresh transport.
func (f *Factory) Acquire(ctx context.Context) (restock.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire collector: %w", err)
	}
	transport := newHTTPTransport()
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(transport)
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	c.SetRequestTimeout(f.cfg.Timeout)
	return &Session{
		cfg:       f.cfg,
		parser:    f.parser,
		logger:    f.logger,
		base:      c,
		transport: transport,
	}, nil
}

// Session fetches listing pages over one HTTP connection pool.
type Session struct {
	cfg       Config
	parser    *parse.Parser
	logger    *zap.Logger
	base      *colly.Collector
	transport *http.Transport
	closeOnce sync.Once
}

// Fetch requests the region's listing page and parses its product grid.
func (s *Session) Fetch(ctx context.Context, region string) ([]restock.ProductEntry, error) {
	var (
		body     []byte
		fetchErr error
	)
	collector := s.base.Clone()
	s.configureCollectorHooks(collector, region, &body, &fetchErr)

	target := s.listingURL(region)
	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return nil, err
	}
	entries, err := s.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("listing fetched",
		zap.String("region", region),
		zap.String("url", target),
		zap.Int("products", len(entries)))
	return entries, nil
}

func (s *Session) listingURL(region string) string {
	return strings.ReplaceAll(s.cfg.URLTemplate, RegionPlaceholder, url.QueryEscape(region))
}

func (s *Session) configureCollectorHooks(hooks collectorHooks, region string, body *[]byte, fetchErr *error) {
	hooks.OnRequest(func(r *colly.Request) {
		if s.cfg.RegionCookie != "" {
			cookie := &http.Cookie{Name: s.cfg.RegionCookie, Value: region}
			r.Headers.Add("Cookie", cookie.String())
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// Close drops idle connections. Later calls are no-ops.
func (s *Session) Close(context.Context) error {
	s.closeOnce.Do(func() {
		s.transport.CloseIdleConnections()
	})
	return nil
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
