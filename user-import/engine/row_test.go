package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBoolish(t *testing.T) {
	tests := []struct {
		value   string
		want    *bool
		wantErr bool
	}{
		{value: "", want: nil},
		{value: "true", want: boolPtr(true)},
		{value: "TRUE", want: boolPtr(true)},
		{value: "1", want: boolPtr(true)},
		{value: "yes", want: boolPtr(true)},
		{value: "Y", want: boolPtr(true)},
		{value: "false", want: boolPtr(false)},
		{value: "0", want: boolPtr(false)},
		{value: "no", want: boolPtr(false)},
		{value: "n", want: boolPtr(false)},
		{value: "maybe", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			got, err := parseBoolish(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseRoleSlugs(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		want    []string
		wantErr bool
	}{
		{name: "Empty", value: "", want: nil},
		{name: "CommaSeparated", value: "admin, member ,owner", want: []string{"admin", "member", "owner"}},
		{name: "JSONArray", value: `["admin","member"]`, want: []string{"admin", "member"}},
		{name: "BadJSON", value: `["admin"`, wantErr: true},
		{name: "TrailingComma", value: "admin,", want: []string{"admin"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseRoleSlugs(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergedRoleSlugs(t *testing.T) {
	row := &Row{
		ExternalID: "u1",
		RoleSlugs:  []string{"admin", "member", "admin"},
	}
	mapping := UserRoleMapping{"u1": {"member", "owner"}}

	assert.Equal(t, []string{"admin", "member", "owner"}, row.MergedRoleSlugs(mapping),
		"column slugs come first, mapping extras follow, duplicates dropped")
	assert.Nil(t, (&Row{}).MergedRoleSlugs(nil))
}

func TestBuildRowShortRecord(t *testing.T) {
	row, err := buildRow([]string{"email", "first_name", "last_name"}, []string{"a@x.com", "Alice"}, 7)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", row.Email)
	assert.Equal(t, "Alice", row.FirstName)
	assert.Empty(t, row.LastName)
	assert.Equal(t, 7, row.RecordNumber)
}

func boolPtr(v bool) *bool {
	return &v
}
