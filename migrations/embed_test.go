package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationsAreAnnotated(t *testing.T) {
	files, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, name := range files {
		raw, err := fs.ReadFile(FS, name)
		require.NoError(t, err)
		body := string(raw)
		up := strings.Index(body, "-- +goose Up")
		down := strings.Index(body, "-- +goose Down")
		assert.GreaterOrEqual(t, up, 0, name)
		assert.Greater(t, down, up, name)
	}
}

func TestSchemaCoversEngineTables(t *testing.T) {
	raw, err := fs.ReadFile(FS, "00001_workflow_engine.sql")
	require.NoError(t, err)
	body := string(raw)
	for _, table := range []string{"bulk_operations", "workflow_instances", "workflow_approvals", "waitlist_entries"} {
		assert.Contains(t, body, "CREATE TABLE IF NOT EXISTS "+table)
	}
	assert.Contains(t, body, "UNIQUE (instance_id, approver_id)")
	assert.Contains(t, body, "PRIMARY KEY (offering_id, student_id)")
}
