package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kuhlman-labs/workos-user-import/user-import/analyzer"
	"github.com/kuhlman-labs/workos-user-import/user-import/config"
)

// analyzeCmd represents the analyze command
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze a job's error log and build retry artifacts",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return configProvider.LoadConfig()
	},
	Run: func(cmd *cobra.Command, args []string) {
		applyLogLevel()
		os.Exit(runAnalyze(cmd, configProvider))
	},
}

func init() {
	analyzeCmd.Flags().String("errors-file", "", "Error log to analyze (defaults to the configured job's errors.jsonl)")
	analyzeCmd.Flags().StringP("output", "o", ".", "Directory where analysis artifacts are written")
	analyzeCmd.Flags().String("format", "csv", "Group table format (csv, json, or xlsx)")
	analyzeCmd.Flags().Bool("include-duplicates", false, "Keep every retryable row in the retry CSV instead of deduplicating by email")
}

// runAnalyze classifies an error log and writes the report, group table, and
// retry CSV. Exit 0 when every error is retryable (or there are none), 1 when
// non-retryable errors need CSV fixes, 2 on fatal I/O.
func runAnalyze(cmd *cobra.Command, provider config.Provider) int {
	errorsFile, _ := cmd.Flags().GetString("errors-file")
	outputDir, _ := cmd.Flags().GetString("output")
	formatValue, _ := cmd.Flags().GetString("format")
	includeDuplicates, _ := cmd.Flags().GetBool("include-duplicates")

	if errorsFile == "" {
		jobID := provider.GetJobID()
		if jobID == "" {
			slog.Error("either errors-file or job-id must be set")
			return 2
		}
		errorsFile = filepath.Join(provider.GetCheckpointDir(), jobID, "errors.jsonl")
	}

	format, err := analyzer.ParseFormat(formatValue)
	if err != nil {
		slog.Error("invalid format", "error", err)
		return 2
	}
	if err := os.MkdirAll(outputDir, 0750); err != nil {
		slog.Error("creating output directory failed", "dir", outputDir, "error", err)
		return 2
	}

	analysis, err := analyzer.Analyze(errorsFile)
	if err != nil {
		slog.Error("analyzing error log failed", "path", errorsFile, "error", err)
		return 2
	}

	report, err := analyzer.BuildReport(analysis, errorsFile)
	if err != nil {
		slog.Error("building report failed", "error", err)
		return 2
	}

	reportPath := filepath.Join(outputDir, "error-analysis.json")
	if err := report.WriteJSON(reportPath); err != nil {
		slog.Error("writing report failed", "path", reportPath, "error", err)
		return 2
	}

	groupsPath := filepath.Join(outputDir, fmt.Sprintf("error-groups.%s", format))
	if err := writeGroupTable(report, groupsPath); err != nil {
		slog.Error("writing group table failed", "path", groupsPath, "error", err)
		return 2
	}

	retryPath := filepath.Join(outputDir, "retry.csv")
	retryRows, err := analyzer.WriteRetryCSV(analysis.RetryRecords, retryPath, analyzer.RetryCSVOptions{
		IncludeDuplicates: includeDuplicates,
	})
	if err != nil {
		slog.Error("writing retry csv failed", "path", retryPath, "error", err)
		return 2
	}

	slog.Info("==================================================")
	slog.Info("analysis summary:",
		"errors_file", errorsFile,
		"total_errors", analysis.Total,
		"retryable", analysis.Retryable,
		"non_retryable", analysis.NonRetryable,
		"malformed_lines", analysis.MalformedLines,
		"groups", len(report.Groups),
		"retry_rows", retryRows,
		"report", reportPath,
	)
	slog.Info("==================================================")

	if analysis.NonRetryable > 0 {
		return 1
	}
	return 0
}

func writeGroupTable(report *analyzer.Report, path string) error {
	writer, err := analyzer.NewReportWriter(path)
	if err != nil {
		return err
	}
	if err := report.WriteGroupTable(writer); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
