package app

import (
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/BlockDB/src/app"
)

func initStart() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Opens the database and keeps it running until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), newEntrypoint())
		},
	})
}
