package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreGooseAnnotated(t *testing.T) {
	names, err := fs.Glob(MigrationsFS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names)

	for _, name := range names {
		body, err := fs.ReadFile(MigrationsFS, name)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(string(body), "-- +goose Up"), name)
		assert.Contains(t, string(body), "-- +goose Down", name)
	}
}

func TestMigrationsCreateDispatchTables(t *testing.T) {
	var all strings.Builder
	names, _ := fs.Glob(MigrationsFS, "*.sql")
	for _, name := range names {
		body, _ := fs.ReadFile(MigrationsFS, name)
		all.Write(body)
	}
	for _, table := range []string{
		"people", "person_bounces", "communications", "communication_recipients",
		"response_codes", "person_history", "communication_records",
	} {
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" (", table)
	}
}
