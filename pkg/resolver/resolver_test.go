package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/codeGROOVE-dev/basedin/pkg/browser"
	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

// testTuning collapses every delay so tests run in milliseconds.
func testTuning() Tuning {
	return Tuning{
		PreDelayMin:   0,
		PreDelayMax:   time.Millisecond,
		StepDelayMin:  0,
		StepDelayMax:  time.Millisecond,
		ReadyAttempts: 2,
		ReadyInterval: time.Millisecond,
		FieldAttempts: 2,
		FieldInterval: time.Millisecond,
		PageTimeout:   5 * time.Second,
		ScrollCount:   2,
	}
}

type fakeTab struct {
	dialogText  string
	textErr     error
	failVisible bool
	pageText    map[string]string

	currentURL string
	navigated  []string
	clicks     []string
	scrolls    int
	closed     bool
	released   bool
}

func (t *fakeTab) Navigate(_ context.Context, url string) error {
	t.currentURL = url
	t.navigated = append(t.navigated, url)
	return nil
}

func (t *fakeTab) WaitVisible(_ context.Context, _ string) error {
	if t.failVisible {
		return errors.New("selector never appeared")
	}
	return nil
}

func (t *fakeTab) Click(_ context.Context, sel string) error {
	t.clicks = append(t.clicks, sel)
	return nil
}

func (t *fakeTab) Text(_ context.Context, _ string) (string, error) {
	if t.textErr != nil {
		return "", t.textErr
	}
	return t.dialogText, nil
}

func (t *fakeTab) PageText(_ context.Context) (string, error) {
	return t.pageText[t.currentURL], nil
}

func (t *fakeTab) Scroll(_ context.Context) error {
	t.scrolls++
	return nil
}

func (t *fakeTab) Close(_ context.Context) error {
	t.closed = true
	return nil
}

func (t *fakeTab) Release() {
	t.released = true
}

type fakeDriver struct {
	tab     *fakeTab
	newTabs int
}

func (d *fakeDriver) NewTab(_ context.Context, _ bool) (browser.Tab, error) {
	d.newTabs++
	return d.tab, nil
}

type fakeFast struct {
	available bool
	loc       string
	err       error
	lookups   int
}

func (f *fakeFast) Available(_ context.Context, _ string) bool {
	return f.available
}

func (f *fakeFast) Lookup(_ context.Context, _ string) (string, error) {
	f.lookups++
	return f.loc, f.err
}

func TestResolveFastPathSuccess(t *testing.T) {
	driver := &fakeDriver{tab: &fakeTab{}}
	fast := &fakeFast{available: true, loc: "Germany"}
	r := New(driver, WithFastLookup(fast), WithTuning(testTuning()))

	res := r.Resolve(context.Background(), "alice", Options{})
	if !res.Success {
		t.Fatalf("Resolve failed: %v", res.Err)
	}
	if res.Region != "Germany" {
		t.Errorf("Region = %q, want Germany", res.Region)
	}
	if res.Source != region.SourceAPIIntercept {
		t.Errorf("Source = %q, want %q", res.Source, region.SourceAPIIntercept)
	}
	if driver.newTabs != 0 {
		t.Errorf("opened %d tabs, want 0", driver.newTabs)
	}
}

func TestResolveFallbackUndisclosed(t *testing.T) {
	tab := &fakeTab{dialogText: "Joined March 2019\nVerified account"}
	driver := &fakeDriver{tab: tab}
	r := New(driver, WithTuning(testTuning()))

	res := r.Resolve(context.Background(), "alice", Options{})
	if !res.Success {
		t.Fatalf("Resolve failed: %v", res.Err)
	}
	if res.Region != region.Undisclosed {
		t.Errorf("Region = %q, want %q", res.Region, region.Undisclosed)
	}
	if res.Source != region.SourceAutomation {
		t.Errorf("Source = %q, want %q", res.Source, region.SourceAutomation)
	}
	if !tab.closed {
		t.Error("tab not closed with keep-tab disabled")
	}
	wantClicks := []string{selUserActions, selAboutMenuItem}
	if diff := cmp.Diff(wantClicks, tab.clicks); diff != "" {
		t.Errorf("clicks mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveRateLimitedSwitchesToAutomation(t *testing.T) {
	tab := &fakeTab{dialogText: "Account based in\nIreland\nJoined March 2019"}
	driver := &fakeDriver{tab: tab}
	fast := &fakeFast{available: true, err: region.ErrRateLimited}
	r := New(driver, WithFastLookup(fast), WithTuning(testTuning()))

	res := r.Resolve(context.Background(), "alice", Options{})
	if !res.Success {
		t.Fatalf("Resolve failed: %v", res.Err)
	}
	if res.Region != "Ireland" {
		t.Errorf("Region = %q, want Ireland", res.Region)
	}
	if res.Source == region.SourceAPIIntercept {
		t.Error("rate-limited job must not report the fast source")
	}
	if fast.lookups != 1 {
		t.Errorf("fast lookups = %d, want 1 (no retry after rate limit)", fast.lookups)
	}
}

func TestResolveDisposition(t *testing.T) {
	policy := region.KeepTabPolicy{Enabled: true, Filter: "united states"}
	tests := []struct {
		name       string
		dialogText string
		wantClosed bool
	}{
		{
			name:       "non_matching_region_kept_open",
			dialogText: "Account based in\nIreland",
			wantClosed: false,
		},
		{
			name:       "matching_region_closed",
			dialogText: "Account based in\nUnited States of America",
			wantClosed: true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tab := &fakeTab{dialogText: tc.dialogText}
			r := New(&fakeDriver{tab: tab}, WithTuning(testTuning()))

			res := r.Resolve(context.Background(), "alice", Options{KeepTab: policy})
			if !res.Success {
				t.Fatalf("Resolve failed: %v", res.Err)
			}
			if tab.closed != tc.wantClosed {
				t.Errorf("closed = %v, want %v", tab.closed, tc.wantClosed)
			}
			if tab.released == tc.wantClosed {
				t.Errorf("released = %v, want %v", tab.released, !tc.wantClosed)
			}
		})
	}
}

func TestResolveFieldReadErrorIsFailure(t *testing.T) {
	tab := &fakeTab{textErr: errors.New("websocket: connection reset")}
	driver := &fakeDriver{tab: tab}
	r := New(driver, WithTuning(testTuning()))

	res := r.Resolve(context.Background(), "alice", Options{})
	if res.Success {
		t.Fatalf("Resolve = %+v, want failure for a broken tab connection", res)
	}
	if res.Region == region.Undisclosed {
		t.Error("transport error reported as undisclosed")
	}
	if !strings.Contains(res.Err, "connection reset") {
		t.Errorf("Err = %q, want the transport error", res.Err)
	}
	if !tab.closed {
		t.Error("tab not closed with keep-tab disabled")
	}
}

func TestResolveFailureKeepsTabOpen(t *testing.T) {
	tab := &fakeTab{failVisible: true}
	driver := &fakeDriver{tab: tab}
	r := New(driver, WithTuning(testTuning()))

	policy := region.KeepTabPolicy{Enabled: true, Filter: "germany"}
	res := r.Resolve(context.Background(), "alice", Options{KeepTab: policy})
	if res.Success {
		t.Fatal("Resolve succeeded, want failure")
	}
	if !strings.Contains(res.Err, region.ErrScriptNotReady.Error()) {
		t.Errorf("Err = %q, want script-not-ready", res.Err)
	}
	if tab.closed {
		t.Error("failed resolution closed the tab despite an active filter")
	}
	if !tab.released {
		t.Error("failed resolution did not release the tab")
	}
}

func TestResolveIntegrated(t *testing.T) {
	tab := &fakeTab{
		pageText: map[string]string{
			"https://x.com/alice":              "post one\npost two",
			"https://x.com/alice/with_replies": "reply one",
		},
	}
	driver := &fakeDriver{tab: tab}
	fast := &fakeFast{available: true, loc: "France"}
	r := New(driver, WithFastLookup(fast), WithTuning(testTuning()))

	var got region.SeedText
	res := r.ResolveIntegrated(context.Background(), "alice", Options{}, func(seed region.SeedText) {
		got = seed
	})
	if !res.Success {
		t.Fatalf("ResolveIntegrated failed: %v", res.Err)
	}
	if res.Region != "France" {
		t.Errorf("Region = %q, want France", res.Region)
	}

	want := region.SeedText{PostText: "post one\npost two", ReplyText: "reply one"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("seed mismatch (-want +got):\n%s", diff)
	}
	if res.SeedText == nil || *res.SeedText != want {
		t.Errorf("result SeedText = %+v, want %+v", res.SeedText, want)
	}
	// Replies first, then posts, so the profile view is current when the
	// fast path misses and automation has to take over.
	wantNav := []string{"https://x.com/alice/with_replies", "https://x.com/alice"}
	if diff := cmp.Diff(wantNav, tab.navigated); diff != "" {
		t.Errorf("navigation mismatch (-want +got):\n%s", diff)
	}
	if !tab.closed {
		t.Error("tab not closed after integrated resolution")
	}
}

func TestParseBasedIn(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{
			name: "present",
			text: "About this account\nAccount based in\nIreland\nJoined March 2019",
			want: "Ireland",
			ok:   true,
		},
		{
			name: "case_insensitive_with_padding",
			text: "  account BASED in  \n\n  Brazil  ",
			want: "Brazil",
			ok:   true,
		},
		{name: "absent", text: "Joined March 2019\nVerified"},
		{name: "label_without_value", text: "Account based in\n\n"},
		{name: "empty", text: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseBasedIn(tc.text)
			if got != tc.want || ok != tc.ok {
				t.Errorf("parseBasedIn(%q) = (%q, %v), want (%q, %v)", tc.text, got, ok, tc.want, tc.ok)
			}
		})
	}
}
