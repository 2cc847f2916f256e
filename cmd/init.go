package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kuhlman-labs/workos-user-import/user-import/config"
)

// starterConfig mirrors the viper keys the tool reads, so a rendered file can
// be edited in place and picked up without renaming anything.
type starterConfig struct {
	APIKey            string  `yaml:"api-key"`
	APIURL            string  `yaml:"api-url"`
	CSV               string  `yaml:"csv"`
	OrgID             string  `yaml:"org-id,omitempty"`
	ChunkSize         int     `yaml:"chunk-size"`
	Concurrency       int     `yaml:"concurrency"`
	Workers           int     `yaml:"workers"`
	Rate              float64 `yaml:"rate"`
	CheckpointDir     string  `yaml:"checkpoint-dir"`
	RequireMembership bool    `yaml:"require-membership"`
	CreateMissingOrgs bool    `yaml:"create-missing-orgs"`
	LogLevel          string  `yaml:"log-level"`
}

const starterConfigHeader = `# workos-user-import configuration.
# Values may also be set with WORKOS_IMPORT_* environment variables or flags.
# Additional profiles can be defined under a top-level "profiles:" key and
# selected with --profile.
`

// initCmd represents the init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a new configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		outputPath, _ := cmd.Flags().GetString("output")
		configFile := outputPath
		if configFile == "" {
			configFile = "config.yml"
		}

		if _, err := os.Stat(configFile); err == nil {
			slog.Error("configuration file already exists", "file", configFile)
			os.Exit(1)
		}

		starter := starterConfig{
			APIKey:        "sk_live_...",
			APIURL:        config.DefaultAPIURL,
			CSV:           "users.csv",
			ChunkSize:     config.DefaultChunkSize,
			Concurrency:   config.DefaultConcurrency,
			Workers:       config.DefaultWorkers,
			Rate:          config.DefaultRate,
			CheckpointDir: config.DefaultCheckpointDir,
			LogLevel:      "info",
		}

		data, err := yaml.Marshal(starter)
		if err != nil {
			slog.Error("failed to render configuration", "error", err)
			os.Exit(1)
		}
		data = append([]byte(starterConfigHeader), data...)

		if err := os.WriteFile(configFile, data, 0600); err != nil {
			slog.Error("failed to write configuration file", "error", err)
			os.Exit(1)
		}

		slog.Info("created new configuration file", "file", configFile)
		slog.Info("please edit the file to add your WorkOS API key")
	},
}

func init() {
	// Add output flag to init command
	initCmd.Flags().StringP("output", "o", "", "Output path for the generated configuration file")
}
