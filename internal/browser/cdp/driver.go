// Package cdp implements the web-automation driver on the Chrome DevTools Protocol.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/solosway/webscout/api/schemas"
	"github.com/solosway/webscout/internal/config"
)

const (
	refAttr = "data-ws-ref"

	// settleDelay gives click and submit handlers time to start a navigation.
	settleDelay = 750 * time.Millisecond
)

var refPattern = regexp.MustCompile(`^e\d+$`)

// Driver controls one browser tab.
type Driver struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu  sync.RWMutex
	url string
}

var _ schemas.Driver = (*Driver)(nil)

func newDriver(tabCtx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Driver {
	return &Driver{ctx: tabCtx, cancel: cancel, logger: logger, url: "about:blank"}
}

// run executes actions in the tab while honouring the caller's deadline.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(d.ctx, ctx)
	defer cancel()
	err := chromedp.Run(runCtx, actions...)
	if err != nil {
		// Prefer the caller's error so timeouts classify correctly upstream.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.ctx.Err() != nil {
			return fmt.Errorf("browser tab closed: %w", d.ctx.Err())
		}
	}
	return err
}

// Navigate loads the URL and waits for the document body.
func (d *Driver) Navigate(ctx context.Context, url string) (schemas.ActionResult, error) {
	d.logger.Debug("Navigating.", zap.String("url", url))
	if err := d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return d.failure(ctx, fmt.Sprintf("navigation to %s failed", url)), fmt.Errorf("navigate %s: %w", url, err)
	}
	return d.success(ctx, "navigated")
}

// Click activates the element behind a snapshot ref or CSS selector.
func (d *Driver) Click(ctx context.Context, ref string) (schemas.ActionResult, error) {
	sel := selectorFor(ref)
	if err := d.ensureExists(ctx, sel); err != nil {
		return d.failure(ctx, err.Error()), err
	}
	err := d.run(ctx,
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Click(sel, chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
	)
	if err != nil {
		return d.failure(ctx, "click failed"), fmt.Errorf("click %q: %w", ref, err)
	}
	return d.success(ctx, "clicked "+ref)
}

// Type clears the field, enters text and optionally presses Enter.
func (d *Driver) Type(ctx context.Context, ref, text string, submit bool) (schemas.ActionResult, error) {
	sel := selectorFor(ref)
	if err := d.ensureExists(ctx, sel); err != nil {
		return d.failure(ctx, err.Error()), err
	}

	var cleared bool
	clear := fmt.Sprintf(`(function(sel) {
		const el = document.querySelector(sel);
		if (!el || el.disabled || el.readOnly) { return false; }
		el.focus();
		el.value = "";
		el.dispatchEvent(new Event('input', { bubbles: true }));
		return true;
	})(%s)`, jsString(sel))

	actions := []chromedp.Action{
		chromedp.ScrollIntoView(sel, chromedp.ByQuery),
		chromedp.Evaluate(clear, &cleared, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithSilent(true)
		}),
		chromedp.ActionFunc(func(ctx context.Context) error {
			if !cleared {
				return fmt.Errorf("element %q is not editable", ref)
			}
			return nil
		}),
		chromedp.SendKeys(sel, text, chromedp.ByQuery),
	}
	if submit {
		actions = append(actions, chromedp.SendKeys(sel, kb.Enter, chromedp.ByQuery), chromedp.Sleep(settleDelay))
	}
	if err := d.run(ctx, actions...); err != nil {
		return d.failure(ctx, "type failed"), fmt.Errorf("type into %q: %w", ref, err)
	}
	msg := "typed into " + ref
	if submit {
		msg += " and submitted"
	}
	return d.success(ctx, msg)
}

// Scroll moves the viewport vertically.
func (d *Driver) Scroll(ctx context.Context, direction schemas.ScrollDirection, amount int) (schemas.ActionResult, error) {
	if amount <= 0 {
		amount = 600
	}
	dy := amount
	if direction == schemas.ScrollUp {
		dy = -amount
	}
	var ignored any
	if err := d.run(ctx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", dy), &ignored)); err != nil {
		return d.failure(ctx, "scroll failed"), fmt.Errorf("scroll: %w", err)
	}
	return d.success(ctx, fmt.Sprintf("scrolled %s %d", direction, amount))
}

// Snapshot tags interactive elements with refs and captures the page state.
func (d *Driver) Snapshot(ctx context.Context) (schemas.PageState, error) {
	var raw string
	if err := d.run(ctx, chromedp.Evaluate(snapshotScript, &raw)); err != nil {
		return schemas.PageState{}, fmt.Errorf("snapshot: %w", err)
	}
	state, err := decodeSnapshot(raw)
	if err != nil {
		return schemas.PageState{}, err
	}
	d.setURL(state.URL)
	return state, nil
}

// CurrentURL returns the last location observed by the driver.
func (d *Driver) CurrentURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.url
}

// Close shuts the tab down.
func (d *Driver) Close() error {
	d.cancel()
	return nil
}

func (d *Driver) ensureExists(ctx context.Context, sel string) error {
	var found bool
	expr := fmt.Sprintf("document.querySelector(%s) !== null", jsString(sel))
	if err := d.run(ctx, chromedp.Evaluate(expr, &found)); err != nil {
		return fmt.Errorf("query %q: %w", sel, err)
	}
	if !found {
		return fmt.Errorf("%w: %s", schemas.ErrElementNotFound, sel)
	}
	return nil
}

func (d *Driver) location(ctx context.Context) (url, title string, err error) {
	err = d.run(ctx, chromedp.Location(&url), chromedp.Title(&title))
	if err == nil {
		d.setURL(url)
	}
	return url, title, err
}

func (d *Driver) success(ctx context.Context, msg string) (schemas.ActionResult, error) {
	url, title, err := d.location(ctx)
	if err != nil {
		return schemas.ActionResult{URL: d.CurrentURL(), Message: "action completed but the location is unreadable"}, fmt.Errorf("read location: %w", err)
	}
	return schemas.ActionResult{Success: true, Message: msg, URL: url, Title: title}, nil
}

func (d *Driver) failure(ctx context.Context, msg string) schemas.ActionResult {
	res := schemas.ActionResult{Message: msg, URL: d.CurrentURL()}
	if ctx.Err() != nil {
		return res
	}
	if url, title, err := d.location(ctx); err == nil {
		res.URL, res.Title = url, title
	}
	return res
}

func (d *Driver) setURL(u string) {
	if u == "" {
		return
	}
	d.mu.Lock()
	d.url = u
	d.mu.Unlock()
}

// selectorFor turns a snapshot ref into its attribute selector and passes CSS through.
func selectorFor(ref string) string {
	ref = strings.Trim(strings.TrimSpace(ref), "[]")
	if refPattern.MatchString(ref) {
		return fmt.Sprintf(`[%s="%s"]`, refAttr, ref)
	}
	return ref
}

// Factory owns the browser process and hands out one tab per session.
type Factory struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	cfg         config.BrowserConfig
	logger      *zap.Logger
}

var _ schemas.DriverFactory = (*Factory)(nil)

// NewFactory prepares the allocator. The browser starts with the first driver.
func NewFactory(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Factory {
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)
	return &Factory{
		allocCtx:    allocCtx,
		allocCancel: cancel,
		cfg:         cfg,
		logger:      logger.Named("cdp"),
	}
}

// NewDriver opens a fresh tab.
func (f *Factory) NewDriver(ctx context.Context) (schemas.Driver, error) {
	tabCtx, cancel := chromedp.NewContext(f.allocCtx)

	width, height := f.cfg.Width, f.cfg.Height
	if width <= 0 || height <= 0 {
		width, height = 1366, 900
	}
	ua := f.cfg.UserAgent
	if ua == "" {
		ua = schemas.DefaultUserAgent
	}

	startCtx, startCancel := CombineContext(tabCtx, ctx)
	defer startCancel()
	err := chromedp.Run(startCtx,
		emulation.SetUserAgentOverride(ua),
		chromedp.EmulateViewport(int64(width), int64(height)),
	)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}
	f.logger.Debug("Browser tab opened.")
	return newDriver(tabCtx, cancel, f.logger), nil
}

// Close stops the browser process.
func (f *Factory) Close() error {
	err := chromedp.Cancel(f.allocCtx)
	f.allocCancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// AllocatorOptions translates the browser configuration into Chrome flags.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if cfg.IgnoreTLSErrors {
		opts = append(opts, chromedp.IgnoreCertErrors)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.Width, cfg.Height))
	}
	for _, arg := range cfg.Args {
		key, value, found := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if found {
			opts = append(opts, chromedp.Flag(key, value))
		} else {
			opts = append(opts, chromedp.Flag(key, true))
		}
	}
	return opts
}
