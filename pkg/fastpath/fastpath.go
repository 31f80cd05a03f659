// Package fastpath resolves a user's declared location through a direct
// GraphQL metadata lookup using captured session tokens. It is the cheap
// strategy: no browser tab, one request, and an explicit rate-limit signal
// the resolver uses to switch to automation.
package fastpath

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/codeGROOVE-dev/basedin/pkg/auth"
	"github.com/codeGROOVE-dev/basedin/pkg/httpcache"
	"github.com/codeGROOVE-dev/basedin/pkg/region"
)

const bearerToken = "AAAAAAAAAAAAAAAAAAAAANRILgAAAAAAnNwIzUejRCOuH5E6I8xnZz4puTs%3D1Zv7ttfk8LF81IUq16cHjhLTvJu4FA33AGWWjCpTnA"

// UserByRestId operation ID.
const queryID = "tD8zKvQzwY3kdx5yz6YmOw"

// UserIDs looks up and backfills the username -> platform user ID mapping
// that makes the fast path possible.
type UserIDs interface {
	LookupUserID(ctx context.Context, username string) (string, bool)
	SaveUserID(ctx context.Context, username, id string)
}

// Client issues authenticated metadata lookups.
type Client struct {
	httpClient *http.Client
	cache      httpcache.Cacher
	userIDs    UserIDs
	tokens     *auth.Tokens
	logger     *slog.Logger
	baseURL    string
}

// Option configures a Client.
type Option func(*config)

type config struct {
	cache   httpcache.Cacher
	userIDs UserIDs
	logger  *slog.Logger
	baseURL string
}

// WithCache sets the HTTP response cache.
func WithCache(cache httpcache.Cacher) Option {
	return func(c *config) { c.cache = cache }
}

// WithUserIDs sets the user ID mapping store.
func WithUserIDs(ids UserIDs) Option {
	return func(c *config) { c.userIDs = ids }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithBaseURL overrides the API host. Used by tests.
func WithBaseURL(base string) Option {
	return func(c *config) { c.baseURL = base }
}

// New creates a fast-path client around the given session tokens.
func New(tokens *auth.Tokens, opts ...Option) (*Client, error) {
	cfg := &config{logger: slog.Default(), baseURL: "https://" + auth.Domain}
	for _, opt := range opts {
		opt(cfg)
	}

	jar, err := tokens.Jar()
	if err != nil {
		return nil, fmt.Errorf("cookie jar creation failed: %w", err)
	}

	return &Client{
		httpClient: &http.Client{Jar: jar, Timeout: 3 * time.Second},
		cache:      cfg.cache,
		userIDs:    cfg.userIDs,
		tokens:     tokens,
		logger:     cfg.logger,
		baseURL:    cfg.baseURL,
	}, nil
}

// Available reports whether a fast lookup can even be attempted for
// username: it needs valid session tokens and a known user ID mapping.
func (c *Client) Available(ctx context.Context, username string) bool {
	if !c.tokens.Valid() {
		return false
	}
	if c.userIDs == nil {
		return false
	}
	_, ok := c.userIDs.LookupUserID(ctx, username)
	return ok
}

// Lookup fetches the user's declared location. An empty string with a nil
// error means the user was found but declares no location (the caller should
// fall through to automation, which reads the authoritative "based in"
// field). A 429 from the host surfaces as region.ErrRateLimited.
func (c *Client) Lookup(ctx context.Context, username string) (string, error) {
	if !c.tokens.Valid() {
		return "", region.ErrNoTokens
	}
	userID, ok := "", false
	if c.userIDs != nil {
		userID, ok = c.userIDs.LookupUserID(ctx, username)
	}
	if !ok {
		return "", fmt.Errorf("no user id mapping for %s", username)
	}

	c.logger.InfoContext(ctx, "fast path lookup", "username", username, "user_id", userID)

	body, err := c.fetchUser(ctx, userID)
	if err != nil {
		if httpcache.IsRateLimit(err) {
			return "", fmt.Errorf("%w: %s", region.ErrRateLimited, username)
		}
		return "", err
	}

	fields := extractUserFields(body, username)
	if fields["rest_id"] == "" {
		return "", fmt.Errorf("%w: %s", region.ErrUserNotFound, username)
	}
	if c.userIDs != nil && fields["rest_id"] != userID {
		// The host occasionally remaps IDs; keep the mapping current.
		c.userIDs.SaveUserID(ctx, username, fields["rest_id"])
	}

	return fields["location"], nil
}

func (c *Client) fetchUser(ctx context.Context, userID string) ([]byte, error) {
	variables := map[string]any{
		"userId":                   userID,
		"withSafetyModeUserFields": true,
	}
	varsJSON, err := json.Marshal(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal variables: %w", err)
	}

	featJSON, err := json.Marshal(graphQLFeatures())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal features: %w", err)
	}

	apiURL := fmt.Sprintf("%s/i/api/graphql/%s/UserByRestId?variables=%s&features=%s",
		c.baseURL, queryID,
		url.QueryEscape(string(varsJSON)),
		url.QueryEscape(string(featJSON)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("request creation failed: %w", err)
	}
	c.setHeaders(req)

	return httpcache.FetchURL(ctx, c.cache, c.httpClient, req, c.logger)
}

// setHeaders sets the required headers for GraphQL API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httpcache.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("X-Twitter-Auth-Type", "OAuth2Session")
	req.Header.Set("X-Twitter-Active-User", "yes")
	req.Header.Set("X-Csrf-Token", c.tokens.CSRF())
}

// markerKeys are the fields harvested from the response tree wherever they
// appear under the matched user object.
var markerKeys = map[string]bool{
	"location":    true,
	"rest_id":     true,
	"screen_name": true,
}

// extractUserFields walks the nested response tree and collects marker-key
// values. The response shape shifts between host deployments (location can
// be a bare string in "legacy" or an object with its own "location" key), so
// a recursive visitor over the tree is less brittle than struct decoding.
func extractUserFields(body []byte, username string) map[string]string {
	out := make(map[string]string)
	visit(gjson.ParseBytes(body), out)

	// Guard against a response for a different user (stale mapping).
	if sn := out["screen_name"]; sn != "" && username != "" && region.Normalize(sn) != region.Normalize(username) {
		return map[string]string{}
	}
	return out
}

func visit(node gjson.Result, out map[string]string) {
	node.ForEach(func(key, value gjson.Result) bool {
		if markerKeys[key.String()] && value.Type == gjson.String && out[key.String()] == "" {
			out[key.String()] = value.String()
		}
		if value.IsObject() || value.IsArray() {
			visit(value, out)
		}
		return true
	})
}

// graphQLFeatures returns the feature flags for GraphQL requests.
func graphQLFeatures() map[string]bool {
	return map[string]bool{
		"hidden_profile_subscriptions_enabled":                              false,
		"highlights_tweets_tab_ui_enabled":                                  true,
		"profile_label_improvements_pcf_label_in_post_enabled":              true,
		"responsive_web_graphql_exclude_directive_enabled":                  true,
		"responsive_web_graphql_skip_user_profile_image_extensions_enabled": false,
		"responsive_web_graphql_timeline_navigation_enabled":                true,
		"responsive_web_profile_redirect_enabled":                           true,
		"rweb_tipjar_consumption_enabled":                                   true,
		"subscriptions_feature_can_gift_premium":                            true,
		"subscriptions_verification_info_is_identity_verified_enabled":      true,
		"subscriptions_verification_info_verified_since_enabled":            true,
		"verified_phone_label_enabled":                                      false,
	}
}
