// Package headless provides browser-backed sessions that select a region on
// the storefront and read its product grid.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/stockwatch/internal/fetcher/parse"
	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Config controls the browser sessions.
type Config struct {
	StorefrontURL     string
	UserAgent         string
	Headless          bool
	ExecPath          string
	NavigationTimeout time.Duration
	// RegionInput is the text box that accepts a region code.
	RegionInput string
	// RegionOpener is clicked when RegionInput is not visible yet.
	RegionOpener string
	// SettleDelay is how long to wait after picking a region for the grid
	// to refresh.
	SettleDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.RegionInput == "" {
		c.RegionInput = `input[placeholder*='Pincode']`
	}
	if c.RegionOpener == "" {
		c.RegionOpener = `div[role='button'].pincode_wrap`
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// Factory launches one browser per acquired session.
type Factory struct {
	cfg    Config
	parser *parse.Parser
	logger *zap.Logger
}

// NewFactory validates cfg and returns a Factory.
func NewFactory(cfg Config, parser *parse.Parser, logger *zap.Logger) (*Factory, error) {
	if cfg.StorefrontURL == "" {
		return nil, errors.New("storefront url is required")
	}
	if parser == nil {
		return nil, errors.New("parser is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{cfg: cfg.withDefaults(), parser: parser, logger: logger}, nil
}

func (f *Factory) allocatorOptions(userDataDir string) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.WindowSize(1920, 1080),
		chromedp.UserDataDir(userDataDir),
	)
	if f.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if f.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(f.cfg.UserAgent))
	}
	if f.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(f.cfg.ExecPath))
	}
	return opts
}

// Acquire starts a browser with its own profile directory and opens a tab.
// The browser outlives ctx; only Close tears it down.
func (f *Factory) Acquire(ctx context.Context) (restock.Session, error) {
	dir, err := os.MkdirTemp("", "stockwatch-browser-")
	if err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), f.allocatorOptions(dir)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	s := &Session{
		cfg:         f.cfg,
		parser:      f.parser,
		logger:      f.logger,
		tab:         tabCtx,
		tabCancel:   tabCancel,
		allocCancel: allocCancel,
		dir:         dir,
	}

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(tabCtx, s.networkSetupAction())
	}()
	select {
	case err := <-started:
		if err != nil {
			s.teardown()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-ctx.Done():
		s.teardown()
		return nil, fmt.Errorf("start browser canceled: %w", ctx.Err())
	}
	f.logger.Info("browser session started", zap.String("profile_dir", dir))
	return s, nil
}

// Session is one browser tab reused across fetches.
type Session struct {
	cfg    Config
	parser *parse.Parser
	logger *zap.Logger

	tab         context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	dir         string

	closeOnce sync.Once
	closeErr  error
}

// Fetch loads the storefront, selects region, and parses the product grid.
func (s *Session) Fetch(ctx context.Context, region string) ([]restock.ProductEntry, error) {
	if strings.ContainsAny(region, `'"`) {
		return nil, fmt.Errorf("invalid region code %q", region)
	}
	runCtx, cancel := context.WithTimeout(s.tab, s.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(runCtx, meta.captureEvent)

	var html string
	actions := []chromedp.Action{
		chromedp.Navigate(s.cfg.StorefrontURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		s.selectRegionAction(region),
		chromedp.Sleep(s.cfg.SettleDelay),
		chromedp.WaitReady(s.parser.ItemSelector(), chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("browser fetch canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}
	if status := meta.status(); status >= http.StatusBadRequest {
		return nil, fmt.Errorf("storefront returned status %d", status)
	}
	entries, err := s.parser.Parse(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	s.logger.Debug("browser fetch complete",
		zap.String("region", region),
		zap.Int("products", len(entries)))
	return entries, nil
}

func (s *Session) selectRegionAction(region string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := chromedp.WaitVisible(s.cfg.RegionInput, chromedp.ByQuery).Do(probeCtx)
		cancel()
		if err != nil {
			if err := chromedp.Click(s.cfg.RegionOpener, chromedp.ByQuery).Do(ctx); err != nil {
				return fmt.Errorf("open region picker: %w", err)
			}
			if err := chromedp.WaitVisible(s.cfg.RegionInput, chromedp.ByQuery).Do(ctx); err != nil {
				return fmt.Errorf("wait for region input: %w", err)
			}
		}
		if err := chromedp.Clear(s.cfg.RegionInput, chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("clear region input: %w", err)
		}
		if err := chromedp.SendKeys(s.cfg.RegionInput, region, chromedp.ByQuery).Do(ctx); err != nil {
			return fmt.Errorf("type region: %w", err)
		}
		if err := chromedp.Click(suggestionXPath(region), chromedp.BySearch).Do(ctx); err != nil {
			return fmt.Errorf("select region suggestion: %w", err)
		}
		return nil
	})
}

func suggestionXPath(region string) string {
	return fmt.Sprintf(`//*[normalize-space(text())='%s']`, region)
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// Close asks the browser to exit and kills it if ctx ends first. The
// profile directory is always removed.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() {
			done <- chromedp.Cancel(s.tab)
		}()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, chromedp.ErrInvalidContext) && !errors.Is(err, context.Canceled) {
				s.closeErr = fmt.Errorf("close browser: %w", err)
			}
		case <-ctx.Done():
			s.logger.Warn("browser did not close in time; killing it", zap.Error(ctx.Err()))
			s.closeErr = fmt.Errorf("close browser: %w", ctx.Err())
		}
		s.teardown()
	})
	return s.closeErr
}

func (s *Session) teardown() {
	s.tabCancel()
	s.allocCancel()
	if s.dir != "" {
		if err := os.RemoveAll(s.dir); err != nil {
			s.logger.Warn("remove profile dir", zap.String("dir", s.dir), zap.Error(err))
		}
	}
}

type responseMeta struct {
	mu   sync.RWMutex
	code int
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.code = int(event.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.code == 0 {
		return http.StatusOK
	}
	return m.code
}
