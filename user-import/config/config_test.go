package config

import (
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name: "Valid minimal config",
			config: &Config{
				APIKey:  "sk_test_123",
				CSVFile: "users.csv",
			},
			wantErr: false,
		},
		{
			name: "Valid single-org config",
			config: &Config{
				APIKey:  "sk_test_123",
				CSVFile: "users.csv",
				OrgID:   "org_123",
			},
			wantErr: false,
		},
		{
			name: "Missing API key is tolerated until a client is built",
			config: &Config{
				CSVFile: "users.csv",
			},
			wantErr: false,
		},
		{
			name: "Org ID and user-only together",
			config: &Config{
				APIKey:   "sk_test_123",
				CSVFile:  "users.csv",
				OrgID:    "org_123",
				UserOnly: true,
			},
			wantErr: true,
		},
		{
			name: "Invalid log level",
			config: &Config{
				APIKey:   "sk_test_123",
				CSVFile:  "users.csv",
				LogLevel: "verbose",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Config.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	config := &Config{
		APIKey:  "sk_test_123",
		CSVFile: "users.csv",
	}

	err := config.Validate()
	if err != nil {
		t.Fatalf("Unexpected error validating config: %v", err)
	}

	// Check default values
	if config.LogLevel != "info" {
		t.Errorf("Default log level should be 'info', got %q", config.LogLevel)
	}
	if config.APIURL != DefaultAPIURL {
		t.Errorf("Default API URL should be %q, got %q", DefaultAPIURL, config.APIURL)
	}
	if config.ChunkSize != 500 {
		t.Errorf("Default chunk size should be 500, got %d", config.ChunkSize)
	}
	if config.Concurrency != 10 {
		t.Errorf("Default concurrency should be 10, got %d", config.Concurrency)
	}
	if config.Workers != 4 {
		t.Errorf("Default workers should be 4, got %d", config.Workers)
	}
	if config.Rate != 10 {
		t.Errorf("Default rate should be 10, got %v", config.Rate)
	}
	if config.CheckpointDir != ".workos-import" {
		t.Errorf("Default checkpoint dir should be '.workos-import', got %q", config.CheckpointDir)
	}
	if config.APITimeout != 30*time.Second {
		t.Errorf("Default API timeout should be 30s, got %v", config.APITimeout)
	}
}

func TestNewStandardProviderWithConfig(t *testing.T) {
	config := &Config{
		APIKey:            "sk_test_123",
		APIURL:            "https://workos.example.com",
		CSVFile:           "users.csv",
		OrgID:             "org_123",
		ChunkSize:         100,
		Concurrency:       5,
		Workers:           2,
		Rate:              3,
		CheckpointDir:     "/tmp/checkpoints",
		JobID:             "job_abc",
		RequireMembership: true,
		CreateMissingOrgs: true,
		UserRolesCSV:      "roles.csv",
		LogLevel:          "debug",
	}

	provider := NewStandardProviderWithConfig(config)

	// Check that config values are properly accessible through the provider
	if provider.GetAPIKey() != "sk_test_123" {
		t.Errorf("GetAPIKey() returned %q, want %q", provider.GetAPIKey(), "sk_test_123")
	}
	if provider.GetAPIURL() != "https://workos.example.com" {
		t.Errorf("GetAPIURL() returned %q, want %q", provider.GetAPIURL(), "https://workos.example.com")
	}
	if provider.GetCSVFile() != "users.csv" {
		t.Errorf("GetCSVFile() returned %q, want %q", provider.GetCSVFile(), "users.csv")
	}
	if provider.GetOrgID() != "org_123" {
		t.Errorf("GetOrgID() returned %q, want %q", provider.GetOrgID(), "org_123")
	}
	if provider.GetChunkSize() != 100 {
		t.Errorf("GetChunkSize() returned %d, want %d", provider.GetChunkSize(), 100)
	}
	if provider.GetConcurrency() != 5 {
		t.Errorf("GetConcurrency() returned %d, want %d", provider.GetConcurrency(), 5)
	}
	if provider.GetWorkers() != 2 {
		t.Errorf("GetWorkers() returned %d, want %d", provider.GetWorkers(), 2)
	}
	if provider.GetRate() != 3 {
		t.Errorf("GetRate() returned %v, want %v", provider.GetRate(), 3.0)
	}
	if provider.GetCheckpointDir() != "/tmp/checkpoints" {
		t.Errorf("GetCheckpointDir() returned %q, want %q", provider.GetCheckpointDir(), "/tmp/checkpoints")
	}
	if provider.GetJobID() != "job_abc" {
		t.Errorf("GetJobID() returned %q, want %q", provider.GetJobID(), "job_abc")
	}
	if provider.GetUserRolesCSV() != "roles.csv" {
		t.Errorf("GetUserRolesCSV() returned %q, want %q", provider.GetUserRolesCSV(), "roles.csv")
	}
	if !provider.RequiresMembership() {
		t.Errorf("RequiresMembership() returned false, want true")
	}
	if !provider.ShouldCreateMissingOrgs() {
		t.Errorf("ShouldCreateMissingOrgs() returned false, want true")
	}
	if provider.IsUserOnly() {
		t.Errorf("IsUserOnly() returned true, want false")
	}
	if provider.IsDryRun() {
		t.Errorf("IsDryRun() returned true, want false")
	}
}
