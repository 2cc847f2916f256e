// Package config provides configuration interfaces and implementations for the WorkOS user import tool.
package config

import (
	"time"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
)

// Provider defines an interface for accessing configuration values.
// This creates a clean abstraction for configuration that can be implemented
// by different configuration sources.
type Provider interface {
	// Core configuration methods
	GetAPIKey() string
	GetAPIURL() string
	GetCSVFile() string
	GetLogLevel() string
	GetAPITimeout() time.Duration

	// Import mode methods
	GetOrgID() string
	IsUserOnly() bool
	RequiresMembership() bool
	ShouldCreateMissingOrgs() bool
	IsDryRun() bool

	// Execution tuning methods
	GetChunkSize() int
	GetConcurrency() int
	GetWorkers() int
	GetRate() float64

	// Checkpoint methods
	GetCheckpointDir() string
	GetJobID() string

	// Role mapping methods
	GetUserRolesCSV() string

	// GetProfile returns the active configuration profile.
	GetProfile() string

	// Utility methods
	Validate() error
	CreateAPIClient() (*api.RetryableClient, error)
	CreateLimiter() *api.Limiter
}
