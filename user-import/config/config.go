// Package config provides configuration interfaces and implementations for the WorkOS user import tool.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Defaults applied when a value is unset.
const (
	DefaultAPIURL        = "https://api.workos.com"
	DefaultChunkSize     = 500
	DefaultConcurrency   = 10
	DefaultWorkers       = 4
	DefaultRate          = 10
	DefaultCheckpointDir = ".workos-import"
	DefaultAPITimeout    = 30 * time.Second
)

// Config holds the configuration for an import run.
// It is populated from command-line flags, environment variables, and the
// config file, and validated before any API client is built.
type Config struct {
	APIKey  string
	APIURL  string
	CSVFile string

	// Mode selection: OrgID forces single-org mode, UserOnly skips
	// memberships entirely. Neither set means multi-org mode.
	OrgID    string
	UserOnly bool

	ChunkSize     int
	Concurrency   int
	Workers       int
	Rate          float64
	CheckpointDir string
	JobID         string

	RequireMembership bool
	CreateMissingOrgs bool
	DryRun            bool

	UserRolesCSV string
	LogLevel     string
	APITimeout   time.Duration
}

// Validate applies defaults and checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Rate <= 0 {
		c.Rate = DefaultRate
	}
	if c.CheckpointDir == "" {
		c.CheckpointDir = DefaultCheckpointDir
	}
	if c.APITimeout <= 0 {
		c.APITimeout = DefaultAPITimeout
	}

	// The API key is checked when a client is built, not here: analyze runs
	// entirely against local files and needs no key.
	if c.OrgID != "" && c.UserOnly {
		errs = append(errs, fmt.Errorf("org-id and user-only are mutually exclusive"))
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log-level %q is not one of: debug, info, warn, error", c.LogLevel))
	}

	if len(errs) > 0 {
		errStrings := make([]string, len(errs))
		for i, err := range errs {
			errStrings[i] = err.Error()
		}
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errStrings, "; "))
	}

	return nil
}
