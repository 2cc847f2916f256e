package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportWriters(t *testing.T) {
	tempDir := t.TempDir()

	testCases := []struct {
		name     string
		filename string
	}{
		{name: "CSV Writer", filename: filepath.Join(tempDir, "groups.csv")},
		{name: "JSON Writer", filename: filepath.Join(tempDir, "groups.json")},
		{name: "Excel Writer", filename: filepath.Join(tempDir, "groups.xlsx")},
	}

	header := []string{"Col1", "Col2", "Col3"}
	rows := [][]string{
		{"Row1Val1", "Row1Val2", "Row1Val3"},
		{"Row2Val1", "Row2Val2", "Row2Val3"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			writer, err := NewReportWriter(tc.filename)
			require.NoError(t, err)
			require.NotNil(t, writer)

			require.NoError(t, writer.WriteHeader(header))
			for _, row := range rows {
				require.NoError(t, writer.WriteRow(row))
			}
			require.NoError(t, writer.Close())

			info, err := os.Stat(tc.filename)
			require.NoError(t, err)
			assert.Greater(t, info.Size(), int64(0))
		})
	}
}

func TestNewReportWriterUnknownExtension(t *testing.T) {
	writer, err := NewReportWriter(filepath.Join(t.TempDir(), "groups.unknown"))
	assert.Error(t, err)
	assert.Nil(t, writer)
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		value   string
		want    Format
		wantErr bool
	}{
		{value: "csv", want: FormatCSV},
		{value: "JSON", want: FormatJSON},
		{value: "xlsx", want: FormatExcel},
		{value: "pdf", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := ParseFormat(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteGroupTable(t *testing.T) {
	report := &Report{
		Groups: []*Group{
			{
				ID:             "abc123def456",
				Pattern:        "User <EMAIL> already exists.",
				ErrorType:      "user_create",
				HTTPStatus:     409,
				Count:          4,
				Severity:       SeverityHigh,
				Reason:         ReasonConflictDuplicate,
				RetryStrategy:  &RetryStrategy{Type: StrategyAfterFix},
				AffectedEmails: []string{"a@x.com", "b@x.com"},
			},
			{
				ID:            "fed987cba654",
				Pattern:       "Rate limit exceeded",
				ErrorType:     "user_create",
				HTTPStatus:    429,
				Count:         2,
				Severity:      SeverityMedium,
				Retryable:     true,
				Reason:        ReasonRateLimit,
				RetryStrategy: &RetryStrategy{Type: StrategyWithBackoff, DelayMs: 5000},
			},
		},
	}

	path := filepath.Join(t.TempDir(), "groups.csv")
	writer, err := NewReportWriter(path)
	require.NoError(t, err)
	require.NoError(t, report.WriteGroupTable(writer))
	require.NoError(t, writer.Close())

	rows := readCSVFile(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, groupTableHeader, rows[0])
	assert.Equal(t, []string{
		"abc123def456", "User <EMAIL> already exists.", "user_create", "409",
		"4", SeverityHigh, "false", ReasonConflictDuplicate, StrategyAfterFix,
		"", "a@x.com; b@x.com",
	}, rows[1])
	assert.Equal(t, "5000", rows[2][9])
}
