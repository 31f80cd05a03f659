// Package region defines the common types for declared-region resolution.
package region

import (
	"errors"
	"strings"
)

// Undisclosed is the sentinel stored for users whose profile has no
// "based in" field. It is a valid, cacheable result, not an error.
const Undisclosed = "undisclosed"

// Result sources.
const (
	SourceAPIIntercept = "api_intercept"
	SourceAutomation   = "automation"
	SourceCache        = "cache"
)

// Common errors returned by the resolution pipeline.
var (
	ErrQueueRejected  = errors.New("queue full or duplicate")
	ErrRateLimited    = errors.New("rate limited")
	ErrScriptNotReady = errors.New("automation script not ready")
	ErrNoTokens       = errors.New("no session tokens available")
	ErrUserNotFound   = errors.New("user not found")
)

// SeedText holds raw page text extracted for profile analysis.
type SeedText struct {
	PostText  string `json:"postText,omitempty"`
	ReplyText string `json:"replyText,omitempty"`
}

// Result is the outcome of one resolution attempt.
//
//nolint:govet // fieldalignment: intentional layout for readability
type Result struct {
	Success   bool      `json:"success"`
	Region    string    `json:"region,omitempty"`
	Profile   string    `json:"profile,omitempty"`
	SeedText  *SeedText `json:"seedText,omitempty"`
	FromCache bool      `json:"fromCache,omitempty"`
	Source    string    `json:"source,omitempty"`
	Err       string    `json:"error,omitempty"`
}

// Failure builds a failed Result from an error.
func Failure(err error) Result {
	return Result{Err: err.Error()}
}

// KeepTabPolicy controls whether an automation tab is left open after a
// resolution. When Enabled, the tab is kept whenever the resolved region
// does not contain Filter; unresolved (failed) lookups count as
// non-matching so they stay open for manual triage.
type KeepTabPolicy struct {
	Enabled bool   `json:"shouldKeepTab"`
	Filter  string `json:"keepTabFilter"`
}

// ShouldClose reports whether the automation tab should be closed for the
// given resolved region ("" means the resolution failed).
func (p KeepTabPolicy) ShouldClose(resolved string) bool {
	if !p.Enabled {
		return true
	}
	if p.Filter == "" {
		return false
	}
	if resolved == "" {
		return false
	}
	return strings.Contains(strings.ToLower(resolved), strings.ToLower(p.Filter))
}

// Normalize strips a leading @ sigil and lowercases a username so it can be
// used as a cache and queue key.
func Normalize(username string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(username), "@"))
}

// IsValidUsername validates a username against platform requirements:
// 1-15 characters, alphanumeric or underscore only.
func IsValidUsername(username string) bool {
	if len(username) < 1 || len(username) > 15 {
		return false
	}
	for _, r := range username {
		isLower := r >= 'a' && r <= 'z'
		isUpper := r >= 'A' && r <= 'Z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isUpper && !isDigit && r != '_' {
			return false
		}
	}
	return true
}
