// Package config provides configuration interfaces and implementations for the WorkOS user import tool.
package config

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
)

// StandardProvider implements the Provider interface over a plain Config
// struct. It is used by tests and by callers that assemble configuration
// programmatically instead of through viper.
type StandardProvider struct {
	config *Config
}

// NewStandardProviderWithConfig creates a new StandardProvider wrapping the given config.
func NewStandardProviderWithConfig(config *Config) *StandardProvider {
	return &StandardProvider{
		config: config,
	}
}

// GetAPIKey returns the WorkOS API key.
func (p *StandardProvider) GetAPIKey() string {
	return p.config.APIKey
}

// GetAPIURL returns the API base URL.
func (p *StandardProvider) GetAPIURL() string {
	return p.config.APIURL
}

// GetCSVFile returns the input CSV path.
func (p *StandardProvider) GetCSVFile() string {
	return p.config.CSVFile
}

// GetLogLevel returns the log level.
func (p *StandardProvider) GetLogLevel() string {
	return p.config.LogLevel
}

// GetAPITimeout returns the per-request API timeout.
func (p *StandardProvider) GetAPITimeout() time.Duration {
	return p.config.APITimeout
}

// GetOrgID returns the single-org mode organization ID.
func (p *StandardProvider) GetOrgID() string {
	return p.config.OrgID
}

// IsUserOnly returns whether memberships are skipped.
func (p *StandardProvider) IsUserOnly() bool {
	return p.config.UserOnly
}

// RequiresMembership returns whether a failed membership rolls back the user.
func (p *StandardProvider) RequiresMembership() bool {
	return p.config.RequireMembership
}

// ShouldCreateMissingOrgs returns whether unresolved organizations are created.
func (p *StandardProvider) ShouldCreateMissingOrgs() bool {
	return p.config.CreateMissingOrgs
}

// IsDryRun returns whether API calls are skipped.
func (p *StandardProvider) IsDryRun() bool {
	return p.config.DryRun
}

// GetChunkSize returns the number of rows per chunk.
func (p *StandardProvider) GetChunkSize() int {
	return p.config.ChunkSize
}

// GetConcurrency returns the per-chunk concurrency.
func (p *StandardProvider) GetConcurrency() int {
	return p.config.Concurrency
}

// GetWorkers returns the number of chunk workers.
func (p *StandardProvider) GetWorkers() int {
	return p.config.Workers
}

// GetRate returns the sustained request rate in requests per second.
func (p *StandardProvider) GetRate() float64 {
	return p.config.Rate
}

// GetCheckpointDir returns the checkpoint directory.
func (p *StandardProvider) GetCheckpointDir() string {
	return p.config.CheckpointDir
}

// GetJobID returns the job ID, empty when a new one should be generated.
func (p *StandardProvider) GetJobID() string {
	return p.config.JobID
}

// GetUserRolesCSV returns the path of the user-to-roles mapping CSV.
func (p *StandardProvider) GetUserRolesCSV() string {
	return p.config.UserRolesCSV
}

// GetProfile returns the active configuration profile. A StandardProvider is
// assembled programmatically and has no profile of its own.
func (p *StandardProvider) GetProfile() string {
	return DefaultProfile
}

// Validate validates the configuration.
func (p *StandardProvider) Validate() error {
	return p.config.Validate()
}

// CreateAPIClient creates a retryable WorkOS API client authenticated with the
// configured API key.
func (p *StandardProvider) CreateAPIClient() (*api.RetryableClient, error) {
	return newAPIClient(p.GetAPIKey(), p.GetAPIURL(), p.GetAPITimeout())
}

// CreateLimiter creates the shared rate limiter for a run. Burst matches the
// worker count so a fresh bucket can start every worker at once.
func (p *StandardProvider) CreateLimiter() *api.Limiter {
	return api.NewLimiter(p.GetRate(), p.GetWorkers())
}

// newAPIClient builds the oauth2-authenticated HTTP client shared by both
// providers.
func newAPIClient(apiKey, apiURL string, timeout time.Duration) (*api.RetryableClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("api-key is required (set --api-key or WORKOS_IMPORT_API_KEY)")
	}

	ts := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: apiKey},
	)
	httpClient := oauth2.NewClient(context.Background(), ts)
	httpClient.Timeout = timeout

	client := api.NewClient(httpClient, apiURL)
	return api.NewRetryableClient(client, api.DefaultRetryCount, api.DefaultInitialBackoff), nil
}
