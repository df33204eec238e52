package cmd

import (
	"bytes"
	"github.com/arcward/promptrelay/promptrelay"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"testing"
)

func TestRunCommand_MissingCredentials(t *testing.T) {
	clearEnv(t)
	logFile := filepath.Join(t.TempDir(), "bot.log")
	t.Setenv("PR_LOG_FILE", logFile)

	currentOut := rootCmd.OutOrStdout()
	currentErr := rootCmd.OutOrStderr()
	t.Cleanup(
		func() {
			rootCmd.SetOut(currentOut)
			rootCmd.SetErr(currentErr)
		},
	)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)

	// the error is returned (rather than exiting), after the bot is closed
	rootCmd.SetArgs([]string{"run"})
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.ErrorIs(t, err, promptrelay.ErrMissingDiscordToken)
	assert.ErrorIs(t, err, promptrelay.ErrMissingAPIKey)
	assert.Contains(t, err.Error(), "error creating bot")
	assert.NotContains(t, out.String(), "Usage:")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "invalid config")
}
