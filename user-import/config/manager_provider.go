// Package config provides configuration interfaces and implementations for the WorkOS user import tool.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

const (
	// DefaultConfigFilename is the default name for the config file (without extension).
	DefaultConfigFilename = "config"

	// DefaultConfigType is the default type of the config file.
	DefaultConfigType = "yml"

	// DefaultProfile is the default profile name.
	DefaultProfile = "default"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "WORKOS_IMPORT"
)

// ManagerProvider implements the Provider interface using Viper for flexible
// configuration management. This provides support for profiles, environment
// variables, and config files.
type ManagerProvider struct {
	// viper instance used for configuration management
	v *viper.Viper

	// profile is the selected configuration profile
	profile string

	// configPaths are the paths where config files are searched
	configPaths []string

	// The underlying configuration values
	config Config
}

// NewManagerProvider creates a new ManagerProvider with default settings.
func NewManagerProvider() *ManagerProvider {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Set default values
	v.SetDefault("api-url", DefaultAPIURL)
	v.SetDefault("chunk-size", DefaultChunkSize)
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("workers", DefaultWorkers)
	v.SetDefault("rate", DefaultRate)
	v.SetDefault("checkpoint-dir", DefaultCheckpointDir)
	v.SetDefault("api-timeout", DefaultAPITimeout)
	v.SetDefault("log-level", "info")

	return &ManagerProvider{
		v:           v,
		profile:     DefaultProfile,
		configPaths: []string{".", "$HOME/.workos-user-import"},
		config: Config{
			APIURL:        DefaultAPIURL,
			ChunkSize:     DefaultChunkSize,
			Concurrency:   DefaultConcurrency,
			Workers:       DefaultWorkers,
			Rate:          DefaultRate,
			CheckpointDir: DefaultCheckpointDir,
			APITimeout:    DefaultAPITimeout,
			LogLevel:      "info",
		},
	}
}

// InitializeFlags sets up the CLI flags and binds them to Viper.
func (m *ManagerProvider) InitializeFlags(rootCmd *cobra.Command) {
	// Add profile flag first, as it affects how the config is loaded
	rootCmd.PersistentFlags().StringP("profile", "p", DefaultProfile, "Configuration profile to use")
	rootCmd.PersistentFlags().StringP("config-file", "c", "", "Path to config file (default is ./config.yml, ~/.workos-user-import/config.yml)")

	// Input and mode flags
	rootCmd.PersistentFlags().String("csv", "", "Path to the user import CSV")
	rootCmd.PersistentFlags().String("org-id", "", "Import every row into this organization (single-org mode)")
	rootCmd.PersistentFlags().Bool("user-only", false, "Create users without memberships")
	rootCmd.PersistentFlags().String("user-roles-csv", "", "Path to an external_id,role_slugs mapping CSV")

	// API settings
	rootCmd.PersistentFlags().String("api-key", "", "WorkOS API key (or WORKOS_IMPORT_API_KEY)")
	rootCmd.PersistentFlags().String("api-url", DefaultAPIURL, "Base URL for the WorkOS API")
	rootCmd.PersistentFlags().Duration("api-timeout", DefaultAPITimeout, "Per-request API timeout")

	// Execution tuning
	rootCmd.PersistentFlags().Int("chunk-size", DefaultChunkSize, "Rows per checkpointed chunk")
	rootCmd.PersistentFlags().Int("concurrency", DefaultConcurrency, "Concurrent rows per chunk")
	rootCmd.PersistentFlags().Int("workers", DefaultWorkers, "Number of concurrent chunk workers")
	rootCmd.PersistentFlags().Float64("rate", DefaultRate, "Sustained API request rate (requests per second)")

	// Checkpoint settings
	rootCmd.PersistentFlags().String("checkpoint-dir", DefaultCheckpointDir, "Directory where job checkpoints are stored")
	rootCmd.PersistentFlags().String("job-id", "", "Job ID to resume; a new one is generated when empty")

	// Behavior toggles
	rootCmd.PersistentFlags().Bool("require-membership", false, "Delete a created user when its membership fails")
	rootCmd.PersistentFlags().Bool("create-missing-orgs", false, "Create organizations that cannot be resolved")
	rootCmd.PersistentFlags().Bool("dry-run", false, "Resolve and log without calling the API")

	// Other settings
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")

	// Bind flags to Viper
	if err := m.v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		slog.Error("Failed to bind flags to viper", "error", err)
	}
}

// LoadConfig loads the configuration from command line flags, environment variables, and config file.
func (m *ManagerProvider) LoadConfig() error {
	// First, get the profile and config file from flags/env vars
	m.profile = m.v.GetString("profile")
	configFile := m.v.GetString("config-file")

	// If a specific config file is provided, use it
	if configFile != "" {
		m.v.SetConfigFile(configFile)
		if err := m.v.ReadInConfig(); err != nil {
			return utils.NewAppError(utils.ErrorTypeConfig, fmt.Sprintf("Error reading config file %s", configFile), err)
		}
	} else {
		// Otherwise, search for config files in standard locations
		m.v.SetConfigName(DefaultConfigFilename)
		m.v.SetConfigType(DefaultConfigType)

		for _, path := range m.configPaths {
			expandedPath := os.ExpandEnv(path)
			m.v.AddConfigPath(expandedPath)
		}

		// Try to read the config file but don't error if not found
		if err := m.v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				// Only return error if it's not a "config file not found" error
				return utils.NewAppError(utils.ErrorTypeConfig, "Error reading config file", err)
			}
			// Log that no config file was found but continue
			slog.Info("No config file found, using only environment variables and flags")
		}
	}

	// If using a non-default profile, check if it exists in the config
	if m.profile != DefaultProfile {
		profileSection := m.v.GetStringMap("profiles." + m.profile)
		if len(profileSection) == 0 {
			return utils.NewAppError(utils.ErrorTypeConfig,
				fmt.Sprintf("Profile '%s' not found in configuration", m.profile), nil)
		}

		// Override with profile-specific values
		for k, v := range profileSection {
			m.v.Set(k, v)
		}
	} else {
		// For default profile, check if profiles.default exists and apply those settings
		defaultProfileSection := m.v.GetStringMap("profiles.default")
		if len(defaultProfileSection) > 0 {
			for k, v := range defaultProfileSection {
				m.v.Set(k, v)
			}
		}
	}

	// Load all configuration values
	m.config = Config{
		APIKey:            m.v.GetString("api-key"),
		APIURL:            m.v.GetString("api-url"),
		CSVFile:           m.v.GetString("csv"),
		OrgID:             m.v.GetString("org-id"),
		UserOnly:          m.v.GetBool("user-only"),
		ChunkSize:         m.v.GetInt("chunk-size"),
		Concurrency:       m.v.GetInt("concurrency"),
		Workers:           m.v.GetInt("workers"),
		Rate:              m.v.GetFloat64("rate"),
		CheckpointDir:     m.v.GetString("checkpoint-dir"),
		JobID:             m.v.GetString("job-id"),
		RequireMembership: m.v.GetBool("require-membership"),
		CreateMissingOrgs: m.v.GetBool("create-missing-orgs"),
		DryRun:            m.v.GetBool("dry-run"),
		UserRolesCSV:      m.v.GetString("user-roles-csv"),
		LogLevel:          m.v.GetString("log-level"),
		APITimeout:        m.v.GetDuration("api-timeout"),
	}

	return m.Validate()
}

// GetProfile returns the current active profile.
func (m *ManagerProvider) GetProfile() string {
	return m.profile
}

// GetAPIKey returns the WorkOS API key.
func (m *ManagerProvider) GetAPIKey() string {
	return m.config.APIKey
}

// GetAPIURL returns the API base URL.
func (m *ManagerProvider) GetAPIURL() string {
	return m.config.APIURL
}

// GetCSVFile returns the input CSV path.
func (m *ManagerProvider) GetCSVFile() string {
	return m.config.CSVFile
}

// GetLogLevel returns the log level.
func (m *ManagerProvider) GetLogLevel() string {
	return m.config.LogLevel
}

// GetAPITimeout returns the per-request API timeout.
func (m *ManagerProvider) GetAPITimeout() time.Duration {
	return m.config.APITimeout
}

// GetOrgID returns the single-org mode organization ID.
func (m *ManagerProvider) GetOrgID() string {
	return m.config.OrgID
}

// IsUserOnly returns whether memberships are skipped.
func (m *ManagerProvider) IsUserOnly() bool {
	return m.config.UserOnly
}

// RequiresMembership returns whether a failed membership rolls back the user.
func (m *ManagerProvider) RequiresMembership() bool {
	return m.config.RequireMembership
}

// ShouldCreateMissingOrgs returns whether unresolved organizations are created.
func (m *ManagerProvider) ShouldCreateMissingOrgs() bool {
	return m.config.CreateMissingOrgs
}

// IsDryRun returns whether API calls are skipped.
func (m *ManagerProvider) IsDryRun() bool {
	return m.config.DryRun
}

// GetChunkSize returns the number of rows per chunk.
func (m *ManagerProvider) GetChunkSize() int {
	return m.config.ChunkSize
}

// GetConcurrency returns the per-chunk concurrency.
func (m *ManagerProvider) GetConcurrency() int {
	return m.config.Concurrency
}

// GetWorkers returns the number of chunk workers.
func (m *ManagerProvider) GetWorkers() int {
	return m.config.Workers
}

// GetRate returns the sustained request rate in requests per second.
func (m *ManagerProvider) GetRate() float64 {
	return m.config.Rate
}

// GetCheckpointDir returns the checkpoint directory.
func (m *ManagerProvider) GetCheckpointDir() string {
	return m.config.CheckpointDir
}

// GetJobID returns the job ID, empty when a new one should be generated.
func (m *ManagerProvider) GetJobID() string {
	return m.config.JobID
}

// GetUserRolesCSV returns the path of the user-to-roles mapping CSV.
func (m *ManagerProvider) GetUserRolesCSV() string {
	return m.config.UserRolesCSV
}

// Config returns a copy of the loaded configuration values.
func (m *ManagerProvider) Config() Config {
	return m.config
}

// Validate validates the configuration.
func (m *ManagerProvider) Validate() error {
	return m.config.Validate()
}

// CreateAPIClient creates a retryable WorkOS API client authenticated with the
// configured API key.
func (m *ManagerProvider) CreateAPIClient() (*api.RetryableClient, error) {
	return newAPIClient(m.GetAPIKey(), m.GetAPIURL(), m.GetAPITimeout())
}

// CreateLimiter creates the shared rate limiter for a run. Burst matches the
// worker count so a fresh bucket can start every worker at once.
func (m *ManagerProvider) CreateLimiter() *api.Limiter {
	return api.NewLimiter(m.GetRate(), m.GetWorkers())
}
