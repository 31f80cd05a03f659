// Command basedin resolves the declared "based in" region for X/Twitter
// usernames, with an optional LLM behavioral profile.
//
// Usage:
//
//	basedin johndoe                    # resolve one user
//	basedin -profile johndoe           # resolve region and analyze posts
//	basedin -serve -listen :8743       # run the bridge API daemon
//	basedin -stats                     # print cache statistics
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/codeGROOVE-dev/basedin/pkg/analyze"
	"github.com/codeGROOVE-dev/basedin/pkg/auth"
	"github.com/codeGROOVE-dev/basedin/pkg/browser"
	"github.com/codeGROOVE-dev/basedin/pkg/fastpath"
	"github.com/codeGROOVE-dev/basedin/pkg/httpcache"
	"github.com/codeGROOVE-dev/basedin/pkg/manager"
	"github.com/codeGROOVE-dev/basedin/pkg/region"
	"github.com/codeGROOVE-dev/basedin/pkg/resolver"
	"github.com/codeGROOVE-dev/basedin/pkg/server"
	"github.com/codeGROOVE-dev/basedin/pkg/store"
)

// envConfig is the environment layer under the flags.
type envConfig struct {
	Listen      string `env:"BASEDIN_LISTEN" envDefault:":8743"`
	CachePath   string `env:"BASEDIN_CACHE_PATH"`
	ChromeURL   string `env:"BASEDIN_CHROME_URL" envDefault:"http://127.0.0.1:9222"`
	LLMAPIKey   string `env:"BASEDIN_LLM_API_KEY"`
	LLMModel    string `env:"BASEDIN_LLM_MODEL"`
	LLMEndpoint string `env:"BASEDIN_LLM_ENDPOINT"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}

	debug := flag.Bool("debug", false, "enable debug logging")
	serve := flag.Bool("serve", false, "run the bridge API daemon")
	listen := flag.String("listen", cfg.Listen, "bridge API listen address")
	force := flag.Bool("force", false, "bypass the region cache")
	profile := flag.Bool("profile", false, "also extract posts/replies and run LLM analysis")
	keepTab := flag.Bool("keep-tab", false, "keep the automation tab open for non-matching regions")
	keepTabFilter := flag.String("keep-tab-filter", "", "substring a region must contain for its tab to close")
	concurrency := flag.Int("concurrency", 0, "set the queue concurrency limit (1-10) before resolving")
	noCache := flag.Bool("no-cache", false, "disable HTTP response caching")
	noBrowserCookies := flag.Bool("no-browser", false, "disable reading session cookies from browser stores")
	cachePath := flag.String("cache-path", cfg.CachePath, "result store path (default: ~/.cache/basedin/store.db)")
	chromeURL := flag.String("chrome", cfg.ChromeURL, "Chrome DevTools URL for the automation fallback")
	stats := flag.Bool("stats", false, "print cache statistics and exit")
	clear := flag.String("clear", "", "clear a cache namespace (region, profile) and exit")
	remove := flag.String("remove", "", "remove one user from both caches and exit")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(*cachePath, logger)
	if err != nil {
		return err
	}

	// Admin operations need only the store.
	switch {
	case *stats:
		defer st.Close() //nolint:errcheck // process exit
		return outputJSON(map[string]store.Stats{
			store.NSRegion:  st.Stats(ctx, store.NSRegion),
			store.NSProfile: st.Stats(ctx, store.NSProfile),
		})
	case *clear != "":
		defer st.Close() //nolint:errcheck // process exit
		if *clear != store.NSRegion && *clear != store.NSProfile {
			return fmt.Errorf("unknown namespace %q", *clear)
		}
		return st.Clear(ctx, *clear)
	case *remove != "":
		defer st.Close() //nolint:errcheck // process exit
		key := region.Normalize(*remove)
		removedRegion := st.Remove(ctx, store.NSRegion, key)
		removedProfile := st.Remove(ctx, store.NSProfile, key)
		return outputJSON(map[string]bool{"removed": removedRegion || removedProfile})
	}

	if !*serve && flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: basedin [options] <username>...")
		fmt.Fprintln(os.Stderr, "\nOptions:")
		flag.PrintDefaults()
		_ = st.Close() //nolint:errcheck // process exit
		os.Exit(1)
	}

	mgr := buildManager(ctx, st, cfg, *chromeURL, *noCache, *noBrowserCookies, logger)
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if *concurrency > 0 {
		mgr.SetConcurrency(ctx, *concurrency)
	}

	if *serve {
		return server.New(mgr, server.WithLogger(logger)).ListenAndServe(ctx, *listen)
	}

	var policy *region.KeepTabPolicy
	if *keepTab || *keepTabFilter != "" {
		policy = &region.KeepTabPolicy{Enabled: true, Filter: *keepTabFilter}
	}

	results := make(map[string]region.Result, flag.NArg())
	for _, username := range flag.Args() {
		var res region.Result
		if *profile {
			res = mgr.IntegratedQuery(ctx, username, manager.IntegratedOptions{
				WantProfile:  true,
				KeepTab:      policy,
				ForceRefresh: *force,
			})
		} else {
			res = mgr.QueryRegion(ctx, username, manager.QueryOptions{
				KeepTab:      policy,
				ForceRefresh: *force,
			})
		}
		if res.Success {
			if p, ok := st.Get(ctx, store.NSProfile, region.Normalize(username)); ok {
				res.Profile = p
			}
		}
		results[region.Normalize(username)] = res
	}
	return outputJSON(results)
}

// buildManager wires the full pipeline. Missing collaborators degrade: no
// session cookies disables the fast path, no Chrome disables the fallback,
// no API key disables analysis.
func buildManager(ctx context.Context, st *store.Store, cfg envConfig, chromeURL string, noCache, noBrowserCookies bool, logger *slog.Logger) *manager.Manager {
	sources := []auth.Source{auth.EnvSource{}}
	if !noBrowserCookies {
		sources = append(sources, auth.NewBrowserSource(logger))
	}
	tokens, err := auth.ChainSources(ctx, sources...)
	if err != nil {
		logger.Warn("cookie discovery failed", "error", err)
	}

	var fastOpts []fastpath.Option
	fastOpts = append(fastOpts, fastpath.WithLogger(logger), fastpath.WithUserIDs(manager.NewStoreUserIDs(st)))
	if !noCache {
		if hc, err := httpcache.New(st.TTL()); err != nil {
			logger.Warn("HTTP cache unavailable, continuing without", "error", err)
		} else {
			fastOpts = append(fastOpts, fastpath.WithCache(hc))
		}
	}

	var fast resolver.FastLookup
	if tokens != nil && tokens.Valid() {
		if fp, err := fastpath.New(tokens, fastOpts...); err != nil {
			logger.Warn("fast path unavailable", "error", err)
		} else {
			fast = fp
		}
	} else {
		logger.Info("no session tokens found, fast path disabled")
	}

	var driver browser.Driver
	if chromeURL != "" {
		chromeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cd, err := browser.NewChromeDriver(chromeCtx, chromeURL)
		cancel()
		if err != nil {
			logger.Warn("Chrome unavailable, automation fallback disabled", "url", chromeURL, "error", err)
		} else {
			driver = cd
		}
	}

	resOpts := []resolver.Option{resolver.WithLogger(logger)}
	if fast != nil {
		resOpts = append(resOpts, resolver.WithFastLookup(fast))
	}
	res := resolver.New(driver, resOpts...)

	mgrOpts := []manager.Option{manager.WithLogger(logger)}
	if analyzer := buildAnalyzer(ctx, st, cfg, logger); analyzer != nil {
		mgrOpts = append(mgrOpts, manager.WithAnalyzer(analyzer))
	}
	return manager.New(st, res, mgrOpts...)
}

// buildAnalyzer prefers the persisted API key over the environment one.
func buildAnalyzer(ctx context.Context, st *store.Store, cfg envConfig, logger *slog.Logger) analyze.Analyzer {
	apiKey := st.LoadSettings(ctx).APIKey
	if apiKey == "" {
		apiKey = cfg.LLMAPIKey
	}
	if apiKey == "" {
		return nil
	}

	var opts []analyze.Option
	opts = append(opts, analyze.WithLogger(logger))
	if cfg.LLMModel != "" {
		opts = append(opts, analyze.WithModel(cfg.LLMModel))
	}
	if cfg.LLMEndpoint != "" {
		opts = append(opts, analyze.WithEndpoint(cfg.LLMEndpoint))
	}

	analyzer, err := analyze.New(apiKey, opts...)
	if err != nil {
		logger.Warn("analyzer unavailable", "error", err)
		return nil
	}
	return analyzer
}

func openStore(path string, logger *slog.Logger) (*store.Store, error) {
	if path == "" {
		cacheDir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("locate cache dir: %w", err)
		}
		path = filepath.Join(cacheDir, "basedin", "store.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	st, err := store.Open(path, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return st, nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
