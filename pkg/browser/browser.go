// Package browser abstracts the automation tabs used by the slow resolution
// path. The resolver drives tabs only through the Driver and Tab interfaces,
// so tests can substitute a scripted fake for a real Chrome session.
package browser

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// Tab is one automation surface. A tab is exclusively owned by the job that
// acquired it; it is never driven by two jobs concurrently.
type Tab interface {
	// Navigate loads a URL and waits for the load event.
	Navigate(ctx context.Context, url string) error
	// WaitVisible blocks until the selector is visible or ctx is done.
	WaitVisible(ctx context.Context, selector string) error
	// Click simulates a click on the first match of selector.
	Click(ctx context.Context, selector string) error
	// Text returns the visible text of the first match of selector.
	Text(ctx context.Context, selector string) (string, error)
	// PageText returns the visible text of the whole document body.
	PageText(ctx context.Context) (string, error)
	// Scroll simulates one incremental scroll to trigger lazy loading.
	Scroll(ctx context.Context) error
	// Close disposes of the tab.
	Close(ctx context.Context) error
	// Release detaches without closing, leaving the tab open for manual
	// follow-up.
	Release()
}

// Driver creates automation tabs.
type Driver interface {
	// NewTab acquires a dedicated tab. When reuse is true and a tab already
	// showing the target site exists (and is not held by another job), it is
	// repointed instead of opening new window chrome.
	NewTab(ctx context.Context, reuse bool) (Tab, error)
}

// Poll runs check at a fixed interval until it succeeds, attempts are
// exhausted, or ctx is done. It backs every bounded wait in the automation
// sequence: script readiness, menu appearance, and field discovery.
func Poll(ctx context.Context, attempts uint, interval time.Duration, check func(context.Context) error) error {
	return retry.Do(
		func() error { return check(ctx) },
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
}

// Pause sleeps for a random duration in [min, max), aborting early when ctx
// is done. Randomized gaps between simulated interactions keep the request
// pattern from looking like a burst.
func Pause(ctx context.Context, minDelay, maxDelay time.Duration) error {
	d := minDelay
	if span := maxDelay - minDelay; span > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err == nil {
			d += time.Duration(n.Int64())
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
