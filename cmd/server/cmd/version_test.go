package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setVersion(t *testing.T, version, commit, date string) {
	t.Helper()
	origVersion, origGitCommit, origBuildDate := Version, GitCommit, BuildDate
	t.Cleanup(func() {
		Version = origVersion
		GitCommit = origGitCommit
		BuildDate = origBuildDate
	})
	Version, GitCommit, BuildDate = version, commit, date
}

func TestVersionCommand(t *testing.T) {
	setVersion(t, "1.0.0", "abc123", "2026-01-27T12:00:00Z")

	output, err := execute(t, "version")
	require.NoError(t, err)

	for _, expected := range []string{
		"Oxide Admin Server",
		"Version:    1.0.0",
		"Git commit: abc123",
		"Build date: 2026-01-27T12:00:00Z",
		"Go version:",
		"Platform:",
	} {
		assert.Contains(t, output, expected)
	}
}

func TestVersionCommandDefaultValues(t *testing.T) {
	setVersion(t, "dev", "unknown", "unknown")

	output, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, output, "Version:    dev")
	assert.Contains(t, output, "Git commit: unknown")
	assert.Contains(t, output, "Build date: unknown")
}

func TestVersionCommandHelp(t *testing.T) {
	output, err := execute(t, "version", "--help")
	require.NoError(t, err)
	assert.Contains(t, output, "Print the version number")
}

// The version command must not need configuration or a database.
func TestVersionCommandNoServerStart(t *testing.T) {
	t.Setenv("JOBS_BACKEND", "river")
	t.Setenv("DATABASE_URL", "")

	_, err := execute(t, "version")
	assert.NoError(t, err)
}
