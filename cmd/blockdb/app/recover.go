package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/BlockDB/src/app"
)

func initRecover() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Runs crash recovery and exits",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(e *app.EngineEntrypoint) error {
				// Open already recovered an existing database, a second
				// pass stops at the checkpoint it wrote
				if err := e.Engine.Recover(cmd.Context()); err != nil {
					return err
				}

				stats := e.Engine.DiskStats()
				_, err := fmt.Fprintf(
					cmd.OutOrStdout(),
					"recovered %s: %d blocks read, %d blocks written\n",
					e.Config.DataDir,
					stats.BlocksRead,
					stats.BlocksWritten,
				)
				return err
			})
		},
	})
}
