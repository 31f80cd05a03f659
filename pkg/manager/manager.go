// Package manager is the orchestration facade: it checks the cache, admits
// work through the bounded queue, writes successful resolutions back through
// the cache, and coordinates the optional profile-analysis pipeline without
// ever letting analysis block a region lookup.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codeGROOVE-dev/basedin/pkg/analyze"
	"github.com/codeGROOVE-dev/basedin/pkg/queue"
	"github.com/codeGROOVE-dev/basedin/pkg/region"
	"github.com/codeGROOVE-dev/basedin/pkg/resolver"
	"github.com/codeGROOVE-dev/basedin/pkg/store"
)

// Resolver executes one resolution job. Satisfied by *resolver.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, username string, opts resolver.Options) region.Result
	ResolveIntegrated(ctx context.Context, username string, opts resolver.Options, onSeed func(region.SeedText)) region.Result
}

// QueryOptions control a plain region lookup.
type QueryOptions struct {
	// KeepTab overrides the persisted keep-tab policy when non-nil.
	KeepTab *region.KeepTabPolicy
	// ForceRefresh bypasses the region cache for this lookup.
	ForceRefresh bool
}

// ContentUpdate is delivered to IntegratedOptions.OnContentReady. Exactly one
// of FromCache or NeedAnalysis is set.
type ContentUpdate struct {
	FromCache    bool   `json:"fromCache,omitempty"`
	NeedAnalysis bool   `json:"needAnalysis,omitempty"`
	Profile      string `json:"profile,omitempty"`
	PostText     string `json:"postText,omitempty"`
	ReplyText    string `json:"replyText,omitempty"`
}

// IntegratedOptions control a combined region+profile lookup.
type IntegratedOptions struct {
	KeepTab        *region.KeepTabPolicy
	OnContentReady func(ContentUpdate)
	WantProfile    bool
	ForceRefresh   bool
}

// Manager owns the store, queue, resolver, and analyzer for one process.
type Manager struct {
	store    *store.Store
	resolver Resolver
	analyzer analyze.Analyzer
	logger   *slog.Logger
	queue    *queue.Queue
	wg       sync.WaitGroup // detached analysis goroutines
}

// Option configures a Manager.
type Option func(*Manager)

// WithAnalyzer enables profile analysis.
func WithAnalyzer(a analyze.Analyzer) Option {
	return func(m *Manager) { m.analyzer = a }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// New creates a Manager. The queue's initial concurrency ceiling comes from
// the persisted settings.
func New(st *store.Store, res Resolver, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		resolver: res,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	settings := st.LoadSettings(context.Background())
	m.queue = queue.New(m.runJob,
		queue.WithConcurrency(settings.ConcurrencyLimit),
		queue.WithLogger(m.logger))
	return m
}

// Close drains the queue, waits for detached analysis work, and closes the
// store.
func (m *Manager) Close() error {
	m.queue.Close()
	m.wg.Wait()
	return m.store.Close()
}

// StoreUserIDs persists the username -> platform user ID mapping in the
// userid namespace.
type StoreUserIDs struct {
	store *store.Store
}

// NewStoreUserIDs wraps st as a fast-path user ID mapping.
func NewStoreUserIDs(st *store.Store) *StoreUserIDs { return &StoreUserIDs{store: st} }

// LookupUserID returns the cached platform ID for username.
func (u *StoreUserIDs) LookupUserID(ctx context.Context, username string) (string, bool) {
	return u.store.Get(ctx, store.NSUserID, region.Normalize(username))
}

// SaveUserID records the platform ID for username. Best effort.
func (u *StoreUserIDs) SaveUserID(ctx context.Context, username, id string) {
	_ = u.store.Put(ctx, store.NSUserID, region.Normalize(username), id) //nolint:errcheck // logged by the store
}

// QueryRegion resolves username's declared region: cache first, then one
// queued resolution job. Only successful resolutions are written back to the
// cache, so a failed lookup can be retried immediately.
func (m *Manager) QueryRegion(ctx context.Context, username string, opts QueryOptions) region.Result {
	key := region.Normalize(username)
	if !region.IsValidUsername(key) {
		return region.Failure(fmt.Errorf("invalid username %q", username))
	}

	if !opts.ForceRefresh {
		if cached, ok := m.store.Get(ctx, store.NSRegion, key); ok {
			return region.Result{Success: true, Region: cached, FromCache: true, Source: region.SourceCache}
		}
	}

	ticket, err := m.queue.Enqueue(queue.Job{
		Key:     key,
		Kind:    queue.Plain,
		KeepTab: m.effectivePolicy(ctx, opts.KeepTab),
	})
	if err != nil {
		return region.Failure(err)
	}
	return m.settle(ctx, key, ticket)
}

// IntegratedQuery resolves region and, when WantProfile is set, feeds the
// user's post/reply text to the analyzer off the same automation tab. The
// OnContentReady callback fires from a detached goroutine and never delays
// the region result.
func (m *Manager) IntegratedQuery(ctx context.Context, username string, opts IntegratedOptions) region.Result {
	key := region.Normalize(username)
	if !region.IsValidUsername(key) {
		return region.Failure(fmt.Errorf("invalid username %q", username))
	}

	kind := queue.Integrated
	if opts.WantProfile {
		if profile, ok := m.store.Get(ctx, store.NSProfile, key); ok {
			m.emit(opts.OnContentReady, ContentUpdate{FromCache: true, Profile: profile})
			kind = queue.Plain // cached profile, no extraction needed
		}
	} else {
		kind = queue.Plain
	}

	job := queue.Job{
		Key:         key,
		Kind:        kind,
		WantProfile: opts.WantProfile,
		KeepTab:     m.effectivePolicy(ctx, opts.KeepTab),
	}
	if kind == queue.Integrated {
		job.OnPartial = func(partial region.Result) {
			if partial.SeedText == nil {
				return
			}
			seed := *partial.SeedText
			m.emit(opts.OnContentReady, ContentUpdate{
				NeedAnalysis: true,
				PostText:     seed.PostText,
				ReplyText:    seed.ReplyText,
			})
			m.analyzeDetached(key, seed)
		}
	}

	if !opts.ForceRefresh {
		if cached, ok := m.store.Get(ctx, store.NSRegion, key); ok && kind == queue.Plain {
			return region.Result{Success: true, Region: cached, FromCache: true, Source: region.SourceCache}
		}
	}

	ticket, err := m.queue.Enqueue(job)
	if err != nil {
		return region.Failure(err)
	}
	return m.settle(ctx, key, ticket)
}

// runJob is the queue's Runner.
func (m *Manager) runJob(ctx context.Context, job queue.Job) region.Result {
	ropts := resolver.Options{KeepTab: job.KeepTab}
	if job.Kind == queue.Integrated {
		return m.resolver.ResolveIntegrated(ctx, job.Key, ropts, func(seed region.SeedText) {
			if job.OnPartial != nil {
				job.OnPartial(region.Result{SeedText: &seed})
			}
		})
	}
	return m.resolver.Resolve(ctx, job.Key, ropts)
}

// settle waits for the job and writes successful regions through to the
// cache. Failures are never cached.
func (m *Manager) settle(ctx context.Context, key string, ticket *queue.Ticket) region.Result {
	res, err := ticket.Wait(ctx)
	if err != nil {
		return region.Failure(fmt.Errorf("wait for resolution: %w", err))
	}
	if res.Success && res.Region != "" {
		_ = m.store.Put(ctx, store.NSRegion, key, res.Region) //nolint:errcheck // best effort, logged by the store
	}
	return res
}

// analyzeDetached runs profile analysis in the background and caches the
// resulting tags. An analyzer failure only means the profile stays unset.
func (m *Manager) analyzeDetached(key string, seed region.SeedText) {
	if m.analyzer == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx := context.Background()
		tags, err := m.analyzer.Analyze(ctx, seed)
		if err != nil {
			m.logger.Warn("profile analysis failed", "username", key, "error", err)
			return
		}
		_ = m.store.Put(ctx, store.NSProfile, key, tags) //nolint:errcheck // best effort, logged by the store
		m.logger.Info("profile analysis cached", "username", key, "tags", tags)
	}()
}

// SaveProfile caches externally produced analysis tags for username.
func (m *Manager) SaveProfile(ctx context.Context, username, tags string) error {
	return m.store.Put(ctx, store.NSProfile, region.Normalize(username), tags)
}

// emit invokes a callback from a detached goroutine so slow consumers never
// stall resolution.
func (m *Manager) emit(cb func(ContentUpdate), update ContentUpdate) {
	if cb == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		cb(update)
	}()
}

// effectivePolicy resolves the keep-tab policy for one job: the explicit
// override when present, else the persisted settings.
func (m *Manager) effectivePolicy(ctx context.Context, override *region.KeepTabPolicy) region.KeepTabPolicy {
	if override != nil {
		return *override
	}
	return m.store.LoadSettings(ctx).KeepTab
}

// CacheStats summarizes one cache namespace.
func (m *Manager) CacheStats(ctx context.Context, ns string) store.Stats {
	return m.store.Stats(ctx, ns)
}

// AllCached lists every unexpired entry in one namespace.
func (m *Manager) AllCached(ctx context.Context, ns string) map[string]store.Entry {
	return m.store.ListAll(ctx, ns)
}

// ClearCache empties one namespace.
func (m *Manager) ClearCache(ctx context.Context, ns string) error {
	return m.store.Clear(ctx, ns)
}

// RemoveUser drops username from both result namespaces and reports whether
// anything was deleted.
func (m *Manager) RemoveUser(ctx context.Context, username string) bool {
	key := region.Normalize(username)
	removedRegion := m.store.Remove(ctx, store.NSRegion, key)
	removedProfile := m.store.Remove(ctx, store.NSProfile, key)
	return removedRegion || removedProfile
}

// SetConcurrency adjusts the queue ceiling and persists it.
func (m *Manager) SetConcurrency(ctx context.Context, n int) {
	m.queue.SetConcurrency(n)
	settings := m.store.LoadSettings(ctx)
	settings.ConcurrencyLimit = m.queue.Status().Limit
	if err := m.store.SaveSettings(ctx, settings); err != nil {
		m.logger.Warn("concurrency setting not persisted", "error", err)
	}
}

// QueueStatus returns a snapshot of the queue.
func (m *Manager) QueueStatus() queue.State {
	return m.queue.Status()
}

// Settings returns the persisted settings.
func (m *Manager) Settings(ctx context.Context) store.Settings {
	return m.store.LoadSettings(ctx)
}

// UpdateSettings persists settings and applies the concurrency ceiling.
func (m *Manager) UpdateSettings(ctx context.Context, settings store.Settings) error {
	if err := m.store.SaveSettings(ctx, settings); err != nil {
		return err
	}
	m.queue.SetConcurrency(settings.ConcurrencyLimit)
	return nil
}
