package app

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/BlockDB/src/app"
	"github.com/Blackdeer1524/BlockDB/src/cli"
)

var rootCmd = cli.Init("blockdb", "Transactional block storage engine")

func MustExecute(ctx context.Context) {
	initStart()
	initRecover()
	initDumpLog()
	initStress()
	rootCmd.MustExecute(ctx)
}

func newEntrypoint() *app.EngineEntrypoint {
	return &app.EngineEntrypoint{
		ConfigPath: rootCmd.Options.ConfigPath,
		DataDir:    rootCmd.Options.DataDir,
	}
}

// withEngine opens the database, runs fn and closes it again.
func withEngine(cmd *cobra.Command, fn func(e *app.EngineEntrypoint) error) (err error) {
	e := newEntrypoint()
	if err := e.Init(cmd.Context()); err != nil {
		return err
	}
	defer func() {
		if closeErr := e.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	return fn(e)
}
