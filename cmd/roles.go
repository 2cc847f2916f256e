package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuhlman-labs/workos-user-import/user-import/api"
	"github.com/kuhlman-labs/workos-user-import/user-import/cache"
	"github.com/kuhlman-labs/workos-user-import/user-import/config"
	"github.com/kuhlman-labs/workos-user-import/user-import/roledefs"
)

// rolesCmd represents the roles command
var rolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "Create roles and permissions from a definitions CSV before an import",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return configProvider.LoadConfig()
	},
	Run: func(cmd *cobra.Command, args []string) {
		applyLogLevel()
		os.Exit(runRoles(cmd.Context(), cmd, configProvider))
	},
}

func init() {
	rolesCmd.Flags().String("definitions", "", "Path to the role definitions CSV")
}

// runRoles processes a role-definitions CSV. Exit 0 when every row was
// created, already existed, or was skipped; 1 when any row failed; 2 on fatal
// setup errors.
func runRoles(ctx context.Context, cmd *cobra.Command, provider config.Provider) int {
	definitionsPath, _ := cmd.Flags().GetString("definitions")
	if definitionsPath == "" {
		slog.Error("definitions flag is required")
		return 2
	}

	defs, err := roledefs.LoadDefinitions(definitionsPath)
	if err != nil {
		slog.Error("loading role definitions failed", "path", definitionsPath, "error", err)
		return 2
	}
	if len(defs) == 0 {
		slog.Info("no role definitions to process", "path", definitionsPath)
		return 0
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

	orgs, err := cache.NewOrganizationCache(client, limiter, cache.OrgOptions{
		CreateMissing: provider.ShouldCreateMissingOrgs(),
		DryRun:        provider.IsDryRun(),
	})
	if err != nil {
		slog.Error("creating organization cache", "error", err)
		return 2
	}
	roles, err := cache.NewRoleCache(client, limiter, cache.RoleOptions{DryRun: provider.IsDryRun()})
	if err != nil {
		slog.Error("creating role cache", "error", err)
		return 2
	}

	processor := roledefs.NewProcessor(client, limiter, orgs, roles, roledefs.Options{
		OrgID:  provider.GetOrgID(),
		DryRun: provider.IsDryRun(),
	})

	results, err := processor.Run(ctx, defs)
	if err != nil {
		slog.Error("processing role definitions failed", "error", err)
		return 2
	}

	counts := roledefs.Summarize(results)
	slog.Info("==================================================")
	slog.Info("role definitions summary:",
		"definitions", len(defs),
		"created", counts.Created,
		"exists", counts.Exists,
		"skipped", counts.Skipped,
		"failed", counts.Failed,
		"dry_run", provider.IsDryRun(),
	)
	slog.Info("==================================================")

	if counts.Failed > 0 {
		return 1
	}
	return 0
}
