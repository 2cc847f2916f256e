// Package cmd implements the command line interface for the WorkOS user import tool.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/checkpoint"
	"github.com/kuhlman-labs/workos-user-import/user-import/config"
	"github.com/kuhlman-labs/workos-user-import/user-import/engine"
	"github.com/kuhlman-labs/workos-user-import/user-import/utils"
)

var (
	configProvider *config.ManagerProvider
	logFile        *os.File
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "workos-user-import",
	Short: "Bulk-import users, memberships, and roles into WorkOS from a CSV",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return configProvider.LoadConfig()
	},
	Run: func(cmd *cobra.Command, args []string) {
		applyLogLevel()
		os.Exit(runImport(cmd.Context(), configProvider))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// Init initializes the command structure and configuration.
// It creates the configuration provider and adds all subcommands to the root command.
func Init() {
	// Create a new configuration manager
	configProvider = config.NewManagerProvider()

	// Initialize CLI flags using the config provider
	configProvider.InitializeFlags(rootCmd)

	// Add subcommands
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(rolesCmd)
}

// runImport executes an import run end to end and returns the process exit
// code: 0 on success, 1 when the run completed with failures or was
// interrupted, 2 on fatal setup errors.
func runImport(ctx context.Context, provider config.Provider) int {
	csvPath := provider.GetCSVFile()
	if csvPath == "" {
		slog.Error("csv flag is required")
		return 2
	}

	csvHash, err := utils.HashFileSHA256(csvPath)
	if err != nil {
		slog.Error("hashing csv failed", "path", csvPath, "error", err)
		return 2
	}
	totalRows, err := engine.CountRows(csvPath)
	if err != nil {
		slog.Error("counting csv rows failed", "path", csvPath, "error", err)
		return 2
	}

	mode := checkpoint.ModeMultiOrg
	switch {
	case provider.GetOrgID() != "":
		mode = checkpoint.ModeSingleOrg
	case provider.IsUserOnly():
		mode = checkpoint.ModeUserOnly
	}

	var mapping engine.UserRoleMapping
	if path := provider.GetUserRolesCSV(); path != "" {
		mapping, err = engine.LoadUserRoleMapping(path)
		if err != nil {
			slog.Error("loading user role mapping failed", "path", path, "error", err)
			return 2
		}
	}

	manager, err := openCheckpoint(provider, csvPath, csvHash, totalRows, mode)
	if err != nil {
		slog.Error("opening checkpoint failed", "error", err)
		return 2
	}

	var client *api.RetryableClient
	var limiter *api.Limiter
	if !provider.IsDryRun() {
		client, err = provider.CreateAPIClient()
		if err != nil {
			slog.Error("creating api client", "error", err)
			return 2
		}
		limiter = provider.CreateLimiter()
	}

	// Log the configuration details with a standout banner.
	slog.Info("==================================================")
	slog.Info("configuration values:",
		"job_id", manager.State().JobID,
		"mode", mode,
		"csv", csvPath,
		"total_rows", totalRows,
		"chunk_size", provider.GetChunkSize(),
		"workers", provider.GetWorkers(),
		"concurrency", provider.GetConcurrency(),
		"rate", provider.GetRate(),
		"dry_run", provider.IsDryRun(),
		"profile", provider.GetProfile(),
	)
	slog.Info("==================================================")

	coordinator, err := engine.NewCoordinator(manager, client, limiter, engine.CoordinatorOptions{
		CSVPath:           csvPath,
		Workers:           provider.GetWorkers(),
		Concurrency:       provider.GetConcurrency(),
		Mode:              mode,
		OrgID:             provider.GetOrgID(),
		RequireMembership: provider.RequiresMembership(),
		CreateMissingOrgs: provider.ShouldCreateMissingOrgs(),
		DryRun:            provider.IsDryRun(),
		UserRoleMapping:   mapping,
		PrewarmRoles:      mode != checkpoint.ModeUserOnly,
		MonitorInterval:   30 * time.Second,
	})
	if err != nil {
		slog.Error("creating coordinator", "error", err)
		return 2
	}

	startTime := time.Now()
	summary, runErr := coordinator.Run(ctx)
	logSummary(summary, manager.ErrorLogPath(), time.Since(startTime).Round(time.Second))

	if runErr != nil {
		slog.Error("import did not complete", "error", runErr)
		return 1
	}
	if summary.Failures > 0 {
		return 1
	}
	return 0
}

// openCheckpoint resumes the configured job when its checkpoint exists and
// creates a fresh one otherwise.
func openCheckpoint(provider config.Provider, csvPath, csvHash string, totalRows int, mode string) (*checkpoint.Manager, error) {
	dir := provider.GetCheckpointDir()
	jobID := provider.GetJobID()

	if jobID != "" && checkpoint.Exists(dir, jobID) {
		manager, err := checkpoint.Resume(dir, jobID)
		if err != nil {
			return nil, err
		}
		if err := manager.ValidateAgainst(csvHash, totalRows, provider.GetChunkSize()); err != nil {
			return nil, err
		}
		return manager, nil
	}

	if jobID == "" {
		jobID = checkpoint.NewJobID()
	}
	return checkpoint.Create(checkpoint.CreateOptions{
		JobID:       jobID,
		Dir:         dir,
		CSVPath:     csvPath,
		CSVHash:     csvHash,
		ChunkSize:   provider.GetChunkSize(),
		Concurrency: provider.GetConcurrency(),
		TotalRows:   totalRows,
		Mode:        mode,
		OrgID:       provider.GetOrgID(),
	})
}

// logSummary renders the end-of-run summary with a standout banner.
func logSummary(summary checkpoint.Summary, errorsFile string, duration time.Duration) {
	slog.Info("==================================================")
	slog.Info("import summary:",
		"total", summary.Total,
		"successes", summary.Successes,
		"failures", summary.Failures,
		"users_created", summary.UsersCreated,
		"memberships_created", summary.MembershipsCreated,
		"duplicate_users", summary.DuplicateUsers,
		"duplicate_memberships", summary.DuplicateMemberships,
		"roles_assigned", summary.RolesAssigned,
		"role_assignment_failures", summary.RoleAssignmentFailures,
		"warnings", len(summary.Warnings),
		"errors_file", errorsFile,
		"duration", duration,
	)
	slog.Info("==================================================")
}
