package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "payledger", cmd.Use)
	assert.Contains(t, cmd.Long, "double-entry ledger")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"serve"},
		{"reconcile"},
		{"payouts", "submit"},
		{"payouts", "poll"},
		{"refund"},
		{"subscriptions", "recover"},
		{"subscriptions", "cancel"},
		{"migrate"},
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

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	addrFlag := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, addrFlag)
	assert.Equal(t, "", addrFlag.DefValue)
}

func TestReconcileCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	reconcileCmd, _, err := cmd.Find([]string{"reconcile"})
	require.NoError(t, err)

	for _, name := range []string{"from", "to", "host"} {
		assert.NotNil(t, reconcileCmd.Flags().Lookup(name), name)
	}
}

func TestRefundCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	refundCmd, _, err := cmd.Find([]string{"refund"})
	require.NoError(t, err)

	actorFlag := refundCmd.Flags().Lookup("actor")
	require.NotNil(t, actorFlag)
	assert.Equal(t, "cli", actorFlag.DefValue)

	ledgerOnly := refundCmd.Flags().Lookup("ledger-only")
	require.NotNil(t, ledgerOnly)
	assert.Equal(t, "false", ledgerOnly.DefValue)

	reasonFlag := refundCmd.Flags().Lookup("reason")
	require.NotNil(t, reasonFlag)
	assert.Equal(t, []string{"true"}, reasonFlag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
}

func TestCancelCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	cancelCmd, _, err := cmd.Find([]string{"subscriptions", "cancel"})
	require.NoError(t, err)

	reasonFlag := cancelCmd.Flags().Lookup("reason")
	require.NotNil(t, reasonFlag)
	assert.Equal(t, "CANCELLED_ORDER", reasonFlag.DefValue)
}

func TestIsValidFormat(t *testing.T) {
	for _, f := range ValidFormats {
		assert.True(t, isValidFormat(f), f)
	}
	assert.False(t, isValidFormat("xml"))
	assert.False(t, isValidFormat(""))
}
