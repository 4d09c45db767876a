// Package config provides centralized configuration for git-meta.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-wide configuration, overridable by environment
// variable, following the GITMETA_* convention.
type Config struct {
	// FetchAttempts is how many attempts a fetch gets in total before
	// giving up (default: 3 attempts, ~500ms linear backoff).
	FetchAttempts int
	// FetchBackoff is the base linear-backoff duration between fetch
	// retries; attempt i sleeps FetchBackoff*i.
	FetchBackoff time.Duration
	// WorkQueueLimit bounds how many sub-repo fetches or pushes run
	// concurrently. 0 means workqueue.DefaultLimit().
	WorkQueueLimit int
	// PostCloseSubmoduleHook, if set, is invoked (path to an
	// executable) once after a close batch, with the names of the
	// submodules that actually closed as arguments.
	PostCloseSubmoduleHook string
}

// DefaultConfig returns the default configuration, reading overrides from
// the environment.
func DefaultConfig() *Config {
	c := &Config{
		FetchAttempts:  3,
		FetchBackoff:   500 * time.Millisecond,
		WorkQueueLimit: 0,
	}
	if v := os.Getenv("GITMETA_FETCH_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FetchAttempts = n
		}
	}
	if v := os.Getenv("GITMETA_FETCH_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FetchBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("GITMETA_WORKQUEUE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkQueueLimit = n
		}
	}
	c.PostCloseSubmoduleHook = os.Getenv("GITMETA_POST_CLOSE_SUBMODULE_HOOK")
	return c
}

// Global is the process-wide configuration instance.
var Global = DefaultConfig()
