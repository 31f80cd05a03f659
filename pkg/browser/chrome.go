package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// ChromeDriver drives tabs in a running Chrome instance over the DevTools
// protocol. It attaches to an existing browser (the user's session, with its
// cookies) rather than launching a headless one.
type ChromeDriver struct {
	logger *slog.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	mu   sync.Mutex
	held map[target.ID]bool // targets currently owned by a job
}

// ChromeOption configures a ChromeDriver.
type ChromeOption func(*ChromeDriver)

// WithChromeLogger sets a custom logger.
func WithChromeLogger(logger *slog.Logger) ChromeOption {
	return func(d *ChromeDriver) { d.logger = logger }
}

// NewChromeDriver connects to Chrome's remote debugging endpoint, e.g.
// ws://127.0.0.1:9222.
func NewChromeDriver(ctx context.Context, debugURL string, opts ...ChromeOption) (*ChromeDriver, error) {
	d := &ChromeDriver{
		logger: slog.Default(),
		held:   make(map[target.ID]bool),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.allocCtx, d.allocCancel = chromedp.NewRemoteAllocator(ctx, debugURL)
	d.browserCtx, d.browserStop = chromedp.NewContext(d.allocCtx)

	// Establish the browser connection eagerly so a bad endpoint fails here
	// rather than mid-job.
	if err := chromedp.Run(d.browserCtx); err != nil {
		d.browserStop()
		d.allocCancel()
		return nil, fmt.Errorf("connect to chrome at %s: %w", debugURL, err)
	}

	d.logger.Info("connected to chrome", "endpoint", debugURL)
	return d, nil
}

// Close tears down the connection. Tabs kept open by disposition policy stay
// open in the browser.
func (d *ChromeDriver) Close() {
	d.browserStop()
	d.allocCancel()
}

// NewTab acquires a dedicated tab. With reuse enabled it first looks for an
// existing tab already on the target site that no job holds.
func (d *ChromeDriver) NewTab(ctx context.Context, reuse bool) (Tab, error) {
	if reuse {
		if t := d.attachExisting(ctx); t != nil {
			return t, nil
		}
	}

	tabCtx, cancel := chromedp.NewContext(d.browserCtx)
	// Force target creation now so the tab exists and its ID is known.
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("create tab: %w", err)
	}

	c := chromedp.FromContext(tabCtx)
	id := c.Target.TargetID
	d.hold(id)
	d.logger.Debug("created automation tab", "target", id)

	return &chromeTab{driver: d, ctx: tabCtx, cancel: cancel, targetID: id}, nil
}

func (d *ChromeDriver) attachExisting(ctx context.Context) Tab {
	infos, err := chromedp.Targets(d.browserCtx)
	if err != nil {
		d.logger.Debug("target listing failed", "error", err)
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, info := range infos {
		if info.Type != "page" || d.held[info.TargetID] {
			continue
		}
		if !strings.Contains(info.URL, "x.com") && !strings.Contains(info.URL, "twitter.com") {
			continue
		}

		tabCtx, cancel := chromedp.NewContext(d.browserCtx, chromedp.WithTargetID(info.TargetID))
		if err := chromedp.Run(tabCtx); err != nil {
			cancel()
			d.logger.Debug("attach to existing tab failed", "target", info.TargetID, "error", err)
			continue
		}
		d.held[info.TargetID] = true
		d.logger.Debug("reusing existing tab", "target", info.TargetID, "url", info.URL)
		return &chromeTab{driver: d, ctx: tabCtx, cancel: cancel, targetID: info.TargetID}
	}
	return nil
}

func (d *ChromeDriver) hold(id target.ID) {
	d.mu.Lock()
	d.held[id] = true
	d.mu.Unlock()
}

func (d *ChromeDriver) release(id target.ID) {
	d.mu.Lock()
	delete(d.held, id)
	d.mu.Unlock()
}

type chromeTab struct {
	driver   *ChromeDriver
	ctx      context.Context
	cancel   context.CancelFunc
	targetID target.ID
}

func (t *chromeTab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := t.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(t.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (t *chromeTab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, chromedp.Navigate(url))
}

func (t *chromeTab) WaitVisible(ctx context.Context, selector string) error {
	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return t.run(waitCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (t *chromeTab) Click(ctx context.Context, selector string) error {
	return t.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (t *chromeTab) Text(ctx context.Context, selector string) (string, error) {
	var out string
	if err := t.run(ctx, chromedp.Text(selector, &out, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return out, nil
}

func (t *chromeTab) PageText(ctx context.Context) (string, error) {
	var out string
	if err := t.run(ctx, chromedp.Text("body", &out, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return out, nil
}

func (t *chromeTab) Scroll(ctx context.Context) error {
	return t.run(ctx, chromedp.Evaluate("window.scrollBy(0, window.innerHeight)", nil))
}

// Close closes the underlying browser tab.
func (t *chromeTab) Close(ctx context.Context) error {
	err := t.run(ctx, page.Close())
	t.cancel()
	t.driver.release(t.targetID)
	return err
}

// Release detaches from the tab but leaves it open in the browser, and makes
// it eligible for reuse by a later job.
func (t *chromeTab) Release() {
	t.cancel()
	t.driver.release(t.targetID)
}

var _ Driver = (*ChromeDriver)(nil)
