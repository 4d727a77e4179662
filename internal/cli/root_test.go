package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "animeboard", cmd.Use)
	assert.Contains(t, cmd.Long, "optimistic sync scope")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"posts", "list"}, {"posts", "show"}, {"posts", "create"}, {"posts", "edit"},
		{"posts", "like"}, {"posts", "upvote"}, {"posts", "delete"}, {"posts", "bookmark"},
		{"comments", "list"}, {"comments", "add"}, {"comments", "delete"},
		{"anime", "browse"}, {"anime", "show"}, {"anime", "mark"}, {"anime", "season"},
		{"profile", "show"}, {"profile", "avatar"},
		{"notify"}, {"watch"}, {"seed"}, {"changes"}, {"replay"}, {"relay"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	for _, name := range []string{"config", "env-file", "db", "user"} {
		f := cmd.PersistentFlags().Lookup(name)
		require.NotNil(t, f, name)
		assert.Equal(t, "", f.DefValue, name)
	}
}

func TestPostsListFlags(t *testing.T) {
	cmd := NewRootCommand()
	listCmd, _, err := cmd.Find([]string{"posts", "list"})
	require.NoError(t, err)

	sortFlag := listCmd.Flags().Lookup("sort")
	require.NotNil(t, sortFlag)
	assert.Equal(t, "created_at", sortFlag.DefValue)
	require.NotNil(t, listCmd.Flags().Lookup("asc"))
	require.NotNil(t, listCmd.Flags().Lookup("search"))
}

func TestWatchCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	watchCmd, _, err := cmd.Find([]string{"watch"})
	require.NoError(t, err)

	require.NotNil(t, watchCmd.Flags().Lookup("post"))
	require.NotNil(t, watchCmd.Flags().Lookup("history"))

	interval := watchCmd.Flags().Lookup("interval")
	require.NotNil(t, interval)
	assert.Equal(t, "250ms", interval.DefValue)
}

func TestChangesCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	changesCmd, _, err := cmd.Find([]string{"changes"})
	require.NoError(t, err)

	require.NotNil(t, changesCmd.Flags().Lookup("after"))
	require.NotNil(t, changesCmd.Flags().Lookup("topic"))

	limit := changesCmd.Flags().Lookup("limit")
	require.NotNil(t, limit)
	assert.Equal(t, "100", limit.DefValue)
}

func TestRelayCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	relayCmd, _, err := cmd.Find([]string{"relay"})
	require.NoError(t, err)

	require.NotNil(t, relayCmd.Flags().Lookup("addr"))
	from := relayCmd.Flags().Lookup("from")
	require.NotNil(t, from)
	assert.Equal(t, "-1", from.DefValue)
}

func TestFormatValidation(t *testing.T) {
	assert.True(t, isValidFormat("text"))
	assert.True(t, isValidFormat("json"))

	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
	assert.False(t, isValidFormat("TEXT"))
}

func TestFormatValidationIntegration(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"--format", "invalid", "posts", "list"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestExecute_CommandErrorExitCode(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--format", "xml", "posts", "list"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	assert.Contains(t, stderr.String(), "Error [E001]")
	assert.Empty(t, stdout.String())
}

func TestExecute_JSONErrorOnStdout(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), []string{"--format", "json", "anime", "show", "abc"}, &stdout, &stderr)

	assert.Equal(t, ExitCommandError, code)
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCommand, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, `invalid anime id "abc"`)
}
