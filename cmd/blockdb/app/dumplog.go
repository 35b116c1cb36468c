package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/BlockDB/src/app"
	"github.com/Blackdeer1524/BlockDB/src/recovery"
)

func initDumpLog() {
	var limit int

	cmd := &cobra.Command{
		Use:   "dump-log",
		Short: "Prints log records, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(e *app.EngineEntrypoint) error {
				printed := 0
				errStop := errors.New("limit reached")

				err := e.Engine.ScanLog(func(rec recovery.LogRecord) error {
					if limit > 0 && printed >= limit {
						return errStop
					}
					printed++
					_, err := fmt.Fprintln(cmd.OutOrStdout(), rec.String())
					return err
				})
				if errors.Is(err, errStop) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Print at most n records, 0 prints all")

	rootCmd.AddCommand(cmd)
}
