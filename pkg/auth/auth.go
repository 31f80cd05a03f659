// Package auth manages the ephemeral session tokens used to authenticate
// fast-path metadata lookups. Tokens live for the process lifetime only and
// are never persisted; when no source yields them the resolver falls back to
// browser automation.
package auth

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
)

// Domain is the cookie domain for the target site.
const Domain = "x.com"

// Cookie names that make a session usable for authenticated lookups.
const (
	CookieAuthToken = "auth_token"
	CookieCSRF      = "ct0"
)

// Tokens is a set of session cookies captured at startup.
type Tokens struct {
	cookies map[string]string
}

// NewTokens wraps a cookie map. A nil or empty map is a valid "no session"
// value.
func NewTokens(cookies map[string]string) *Tokens {
	return &Tokens{cookies: cookies}
}

// Valid reports whether the tokens can authenticate a fast-path lookup.
func (t *Tokens) Valid() bool {
	if t == nil {
		return false
	}
	return t.cookies[CookieAuthToken] != "" && t.cookies[CookieCSRF] != ""
}

// CSRF returns the ct0 value sent as the X-Csrf-Token header.
func (t *Tokens) CSRF() string {
	if t == nil {
		return ""
	}
	return t.cookies[CookieCSRF]
}

// Jar builds an http.CookieJar populated with the tokens for the target
// domain.
func (t *Tokens) Jar() (*cookiejar.Jar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse("https://" + Domain)
	if err != nil {
		return nil, err
	}

	var httpCookies []*http.Cookie
	for name, value := range t.cookies {
		if value != "" {
			httpCookies = append(httpCookies, &http.Cookie{
				Name:   name,
				Value:  value,
				Domain: "." + Domain,
				Path:   "/",
			})
		}
	}

	jar.SetCookies(u, httpCookies)
	return jar, nil
}

// Source represents a source of session cookies.
type Source interface {
	// Cookies returns session cookies, or nil if unavailable.
	Cookies(ctx context.Context) (map[string]string, error)
}

// ChainSources returns tokens from the first source that provides them.
// Exhausting every source without finding cookies is not an error; it just
// means the fast path is unavailable.
func ChainSources(ctx context.Context, sources ...Source) (*Tokens, error) {
	for _, src := range sources {
		cookies, err := src.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		if len(cookies) > 0 {
			return NewTokens(cookies), nil
		}
	}
	return NewTokens(nil), nil
}
