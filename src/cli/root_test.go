package cli

import (
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_ParsesPersistentFlags(t *testing.T) {
	root := Init("blockdb", "test")

	var seen Options
	root.AddCommand(&cobra.Command{
		Use: "noop",
		RunE: func(*cobra.Command, []string) error {
			seen = root.Options
			return nil
		},
	})

	root.SetArgs([]string{"noop", "-c", "/etc/blockdb.env", "--data-dir", "/srv/db"})
	require.NoError(t, root.Execute(context.Background()))

	assert.Equal(t, "/etc/blockdb.env", seen.ConfigPath)
	assert.Equal(t, "/srv/db", seen.DataDir)
}
