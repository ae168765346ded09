package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRootCommand_RegistersExpectedSubcommands(t *testing.T) {
	root := NewCLI().GetRootCommand()

	names := make(map[string]bool)
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}

	assert.True(t, names["run"])
	assert.True(t, names["status"])
	assert.True(t, names["resume"])
	assert.True(t, names["serve"])
}

func TestRunCommand_RequiresCoreFlags(t *testing.T) {
	root := NewCLI().GetRootCommand()
	root.SetArgs([]string{"run"})
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	assert.Error(t, err)
}
