package analyzer

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/workos-user-import/user-import/engine"
)

func readCSVFile(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestWriteRetryCSVColumnOrder(t *testing.T) {
	records := []engine.ErrorRecord{
		{
			RecordNumber: 3,
			Email:        "a@x.com",
			RawRow: map[string]string{
				"email":      "a@x.com",
				"first_name": "Alice",
				"org_id":     "org_A",
				"zeta_tag":   "z",
				"alpha_tag":  "a",
			},
		},
		{
			RecordNumber: 7,
			Email:        "b@x.com",
			RawRow: map[string]string{
				"email":       "b@x.com",
				"external_id": "u2",
			},
		},
	}

	path := filepath.Join(t.TempDir(), "retry.csv")
	count, err := WriteRetryCSV(records, path, RetryCSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	rows := readCSVFile(t, path)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"email", "first_name", "external_id", "org_id", "alpha_tag", "zeta_tag"}, rows[0],
		"standard columns lead in fixed order, custom columns follow sorted")
	assert.Equal(t, []string{"a@x.com", "Alice", "", "org_A", "a", "z"}, rows[1])
	assert.Equal(t, []string{"b@x.com", "", "u2", "", "", ""}, rows[2])
}

func TestWriteRetryCSVDedupesByEmail(t *testing.T) {
	records := []engine.ErrorRecord{
		{RecordNumber: 1, Email: "a@x.com", RawRow: map[string]string{"email": "a@x.com"}},
		{RecordNumber: 2, Email: "A@X.COM", RawRow: map[string]string{"email": "A@X.COM"}},
		{RecordNumber: 3, Email: "b@x.com", RawRow: map[string]string{"email": "b@x.com"}},
	}

	path := filepath.Join(t.TempDir(), "retry.csv")
	count, err := WriteRetryCSV(records, path, RetryCSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "case-insensitive email dedup")

	withDupes := filepath.Join(t.TempDir(), "retry-all.csv")
	count, err = WriteRetryCSV(records, withDupes, RetryCSVOptions{IncludeDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestWriteRetryCSVEmailFallsBackToRecord(t *testing.T) {
	records := []engine.ErrorRecord{
		{RecordNumber: 1, Email: "a@x.com", RawRow: map[string]string{"first_name": "Alice"}},
	}

	path := filepath.Join(t.TempDir(), "retry.csv")
	_, err := WriteRetryCSV(records, path, RetryCSVOptions{})
	require.NoError(t, err)

	rows := readCSVFile(t, path)
	require.Len(t, rows, 2)
	assert.Equal(t, "a@x.com", rows[1][0], "missing rawRow email is recovered from the record")
}

func TestWriteRetryCSVNoRecordsWritesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.csv")
	count, err := WriteRetryCSV(nil, path, RetryCSVOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "no retryable rows means no file")
}
