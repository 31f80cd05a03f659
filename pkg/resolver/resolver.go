// Package resolver implements the two-strategy resolution state machine: a
// fast metadata lookup first, then a browser-automation fallback that walks
// the profile UI to the "based in" field. All errors are converted to a
// terminal Result at the job boundary; nothing here throws past the caller.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/basedin/pkg/browser"
	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

// UI selectors for the automation sequence.
const (
	selPrimaryColumn = `[data-testid="primaryColumn"]`
	selUserActions   = `[data-testid="userActions"]`
	selAboutMenuItem = `[data-testid="Dropdown"] a[href$="/about"]`
	selAboutDialog   = `[data-testid="sheetDialog"]`
)

// basedInLabel is the row heading preceding the region value in the
// about-profile panel.
const basedInLabel = "account based in"

// errFieldAbsent marks a poll attempt that read the about panel fine but
// found no "based in" row. It is the one poll outcome that resolves as
// undisclosed rather than as a failure.
var errFieldAbsent = errors.New("based-in row not present")

// FastLookup is the fast strategy. Lookup returning region.ErrRateLimited
// switches the job to the slow path without retrying the fast one.
type FastLookup interface {
	Available(ctx context.Context, username string) bool
	Lookup(ctx context.Context, username string) (string, error)
}

// Tuning bounds every wait in the automation sequence. Tests shrink these;
// production values pace interactions like a human.
type Tuning struct {
	PreDelayMin   time.Duration // randomized delay before any automation
	PreDelayMax   time.Duration
	StepDelayMin  time.Duration // randomized delay between UI interactions
	StepDelayMax  time.Duration
	ReadyAttempts uint // polls for the profile page to render
	ReadyInterval time.Duration
	FieldAttempts uint // polls for the "based in" field before concluding undisclosed
	FieldInterval time.Duration
	PageTimeout   time.Duration
	ScrollCount   int // incremental scrolls per view during seed extraction
}

// DefaultTuning returns production pacing.
func DefaultTuning() Tuning {
	return Tuning{
		PreDelayMin:   2500 * time.Millisecond,
		PreDelayMax:   6500 * time.Millisecond,
		StepDelayMin:  400 * time.Millisecond,
		StepDelayMax:  1200 * time.Millisecond,
		ReadyAttempts: 10,
		ReadyInterval: 1500 * time.Millisecond,
		FieldAttempts: 5,
		FieldInterval: 800 * time.Millisecond,
		PageTimeout:   12 * time.Second,
		ScrollCount:   3,
	}
}

// Options configure one resolution job.
type Options struct {
	KeepTab region.KeepTabPolicy
}

// Resolver executes resolution jobs against a browser driver and an
// optional fast lookup.
type Resolver struct {
	driver browser.Driver
	fast   FastLookup
	logger *slog.Logger
	tuning Tuning
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithFastLookup enables the fast strategy.
func WithFastLookup(fast FastLookup) Option {
	return func(r *Resolver) { r.fast = fast }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithTuning overrides the default pacing.
func WithTuning(t Tuning) Option {
	return func(r *Resolver) { r.tuning = t }
}

// New creates a Resolver.
func New(driver browser.Driver, opts ...Option) *Resolver {
	r := &Resolver{
		driver: driver,
		logger: slog.Default(),
		tuning: DefaultTuning(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve runs the full state machine for username: FastAttempt, then
// SlowPath, then tab disposition. The returned Result is always terminal.
func (r *Resolver) Resolve(ctx context.Context, username string, opts Options) region.Result {
	if res, done := r.fastAttempt(ctx, username); done {
		return res
	}
	return r.slowPath(ctx, username, opts, nil)
}

// ResolveIntegrated additionally extracts post/reply seed text off the same
// tab before region resolution. onSeed fires as soon as both extractions
// complete; region resolution continues without waiting on whatever the
// callback kicks off.
func (r *Resolver) ResolveIntegrated(ctx context.Context, username string, opts Options, onSeed func(region.SeedText)) region.Result {
	if r.driver == nil {
		return region.Failure(errors.New("no browser driver available"))
	}
	if err := browser.Pause(ctx, r.tuning.PreDelayMin, r.tuning.PreDelayMax); err != nil {
		return region.Failure(err)
	}
	tab, err := r.driver.NewTab(ctx, true)
	if err != nil {
		return region.Failure(fmt.Errorf("acquire tab: %w", err))
	}

	seed, seedErr := r.extractSeed(ctx, tab, username)
	if seedErr != nil {
		r.logger.Warn("seed extraction failed, continuing with region only",
			"username", username, "error", seedErr)
	} else if onSeed != nil {
		onSeed(seed)
	}

	var res region.Result
	if fastRes, done := r.fastAttempt(ctx, username); done {
		res = fastRes
	} else {
		res = r.driveTab(ctx, tab, username)
	}
	if seedErr == nil {
		res.SeedText = &seed
	}

	r.dispose(ctx, tab, res.Region, opts.KeepTab)
	return res
}

// fastAttempt returns (result, true) when the fast strategy terminally
// resolved the job. A rate-limit signal or any ambiguity falls through to
// the slow path.
func (r *Resolver) fastAttempt(ctx context.Context, username string) (region.Result, bool) {
	if r.fast == nil || !r.fast.Available(ctx, username) {
		return region.Result{}, false
	}

	loc, err := r.fast.Lookup(ctx, username)
	switch {
	case errors.Is(err, region.ErrRateLimited):
		// Do not touch the fast path again for this job.
		r.logger.Info("fast path rate limited, switching to automation", "username", username)
		return region.Result{}, false
	case err != nil:
		r.logger.Debug("fast path failed, falling back", "username", username, "error", err)
		return region.Result{}, false
	case loc == "":
		// User found but no declared location; the about panel is
		// authoritative for the undisclosed case.
		r.logger.Debug("fast path ambiguous, falling back", "username", username)
		return region.Result{}, false
	}

	r.logger.Info("fast path resolved", "username", username, "region", loc)
	return region.Result{Success: true, Region: loc, Source: region.SourceAPIIntercept}, true
}

// slowPath acquires a tab (unless one is supplied), drives the UI sequence,
// and applies the disposition policy.
func (r *Resolver) slowPath(ctx context.Context, username string, opts Options, tab browser.Tab) region.Result {
	if err := browser.Pause(ctx, r.tuning.PreDelayMin, r.tuning.PreDelayMax); err != nil {
		return region.Failure(err)
	}

	if tab == nil {
		if r.driver == nil {
			return region.Failure(errors.New("no browser driver available"))
		}
		var err error
		tab, err = r.driver.NewTab(ctx, true)
		if err != nil {
			return region.Failure(fmt.Errorf("acquire tab: %w", err))
		}
	}

	res := r.driveTab(ctx, tab, username)
	r.dispose(ctx, tab, res.Region, opts.KeepTab)
	return res
}

// driveTab walks the profile UI on an owned tab: navigate, wait for render,
// open the overflow menu, open the about panel, read the "based in" row.
func (r *Resolver) driveTab(ctx context.Context, tab browser.Tab, username string) region.Result {
	ctx, cancel := context.WithTimeout(ctx, r.tuning.PageTimeout)
	defer cancel()

	profileURL := "https://" + "x.com/" + username
	if err := tab.Navigate(ctx, profileURL); err != nil {
		return region.Failure(fmt.Errorf("navigate: %w", err))
	}

	// The content script equivalent: the profile column must render before
	// any interaction is meaningful.
	err := browser.Poll(ctx, r.tuning.ReadyAttempts, r.tuning.ReadyInterval, func(ctx context.Context) error {
		return tab.WaitVisible(ctx, selPrimaryColumn)
	})
	if err != nil {
		return region.Failure(fmt.Errorf("%w: %s", region.ErrScriptNotReady, username))
	}

	steps := []string{selUserActions, selAboutMenuItem}
	for _, sel := range steps {
		if err := browser.Pause(ctx, r.tuning.StepDelayMin, r.tuning.StepDelayMax); err != nil {
			return region.Failure(err)
		}
		err := browser.Poll(ctx, r.tuning.ReadyAttempts, r.tuning.ReadyInterval, func(ctx context.Context) error {
			return tab.Click(ctx, sel)
		})
		if err != nil {
			return region.Failure(fmt.Errorf("click %s: %w", sel, err))
		}
	}

	var basedIn string
	err = browser.Poll(ctx, r.tuning.FieldAttempts, r.tuning.FieldInterval, func(ctx context.Context) error {
		text, err := tab.Text(ctx, selAboutDialog)
		if err != nil {
			return err
		}
		value, ok := parseBasedIn(text)
		if !ok {
			return errFieldAbsent
		}
		basedIn = value
		return nil
	})
	switch {
	case errors.Is(err, errFieldAbsent):
		// The common, valid case: the panel rendered without a "based in"
		// row because the user never disclosed one.
		r.logger.Info("no based-in field, treating as undisclosed", "username", username)
		return region.Result{Success: true, Region: region.Undisclosed, Source: region.SourceAutomation}
	case err != nil:
		// A transport or timeout error is a failure, never undisclosed:
		// caching it would block retry for the whole TTL.
		return region.Failure(fmt.Errorf("read about panel: %w", err))
	}

	r.logger.Info("automation resolved", "username", username, "region", basedIn)
	return region.Result{Success: true, Region: basedIn, Source: region.SourceAutomation}
}

// extractSeed collects visible text from the replies view and then the posts
// view, scrolling between reads so lazily loaded content is included.
func (r *Resolver) extractSeed(ctx context.Context, tab browser.Tab, username string) (region.SeedText, error) {
	replyText, err := r.extractView(ctx, tab, "https://x.com/"+username+"/with_replies")
	if err != nil {
		return region.SeedText{}, fmt.Errorf("extract replies: %w", err)
	}

	postText, err := r.extractView(ctx, tab, "https://x.com/"+username)
	if err != nil {
		return region.SeedText{}, fmt.Errorf("extract posts: %w", err)
	}

	return region.SeedText{PostText: postText, ReplyText: replyText}, nil
}

func (r *Resolver) extractView(ctx context.Context, tab browser.Tab, url string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.tuning.PageTimeout)
	defer cancel()

	if err := tab.Navigate(ctx, url); err != nil {
		return "", err
	}
	err := browser.Poll(ctx, r.tuning.ReadyAttempts, r.tuning.ReadyInterval, func(ctx context.Context) error {
		return tab.WaitVisible(ctx, selPrimaryColumn)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %s", region.ErrScriptNotReady, url)
	}

	for range r.tuning.ScrollCount {
		if err := tab.Scroll(ctx); err != nil {
			break
		}
		if err := browser.Pause(ctx, r.tuning.StepDelayMin, r.tuning.StepDelayMax); err != nil {
			return "", err
		}
	}

	return tab.PageText(ctx)
}

// dispose closes or keeps the automation tab per the keep-tab policy. A
// failed resolution (empty region) under an active filter counts as
// non-matching, so the tab stays open for manual triage.
func (r *Resolver) dispose(ctx context.Context, tab browser.Tab, resolved string, policy region.KeepTabPolicy) {
	if policy.ShouldClose(resolved) {
		if err := tab.Close(ctx); err != nil {
			r.logger.Debug("tab close failed", "error", err)
		}
		return
	}
	r.logger.Debug("keeping tab open per policy", "resolved", resolved, "filter", policy.Filter)
	tab.Release()
}

// parseBasedIn finds the value following the "Account based in" row heading
// in the about panel's visible text.
func parseBasedIn(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if !strings.EqualFold(strings.TrimSpace(line), basedInLabel) {
			continue
		}
		for _, next := range lines[i+1:] {
			if v := strings.TrimSpace(next); v != "" {
				return v, true
			}
		}
	}
	return "", false
}
