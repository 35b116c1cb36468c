package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/BlockDB/src"
	"github.com/Blackdeer1524/BlockDB/src/cfg"
	"github.com/Blackdeer1524/BlockDB/src/pkg/utils"
	"github.com/Blackdeer1524/BlockDB/src/storage/engine"
	"github.com/Blackdeer1524/BlockDB/src/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// EngineEntrypoint opens the database and keeps it running, taking
// periodic checkpoints when configured to.
type EngineEntrypoint struct {
	ConfigPath string
	// DataDir overrides the configured data directory when set.
	DataDir string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs

	// TelemetryOut receives exported metrics and spans in dev. It defaults
	// to stderr.
	TelemetryOut io.Writer

	Config    cfg.Config
	Log       src.Logger
	Telemetry *telemetry.Telemetry
	Engine    *engine.Engine
}

var _ Entrypoint = &EngineEntrypoint{}

func NewLogger(env cfg.Environment) src.Logger {
	if env == cfg.EnvDev {
		return utils.Must(zap.NewDevelopment()).Sugar()
	}
	return utils.Must(zap.NewProduction()).Sugar()
}

func (e *EngineEntrypoint) Init(ctx context.Context) error {
	config, err := cfg.Load(e.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if e.DataDir != "" {
		config.DataDir = e.DataDir
	}
	e.Config = config

	if e.Log == nil {
		e.Log = NewLogger(config.Environment)
	}
	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	var out io.Writer
	if config.Environment == cfg.EnvDev {
		out = e.TelemetryOut
		if out == nil {
			out = os.Stderr
		}
	}

	e.Telemetry, err = telemetry.New(out, config.MetricsInterval())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	e.Telemetry.Install()

	e.Engine, err = engine.Open(
		ctx,
		config,
		e.Fs,
		e.Log,
		engine.WithMeterProvider(e.Telemetry.MeterProvider()),
	)
	if err != nil {
		shutdownErr := e.Telemetry.Shutdown(context.WithoutCancel(ctx))
		e.Telemetry = nil

		return errors.Join(fmt.Errorf("open engine: %w", err), shutdownErr)
	}

	return nil
}

func (e *EngineEntrypoint) Run(ctx context.Context) error {
	interval := e.Config.CheckpointInterval()
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	e.Log.Infow("periodic checkpoints enabled", "interval", interval)
	return e.Engine.RunCheckpoints(ctx, interval)
}

func (e *EngineEntrypoint) Close() (err error) {
	if e.Engine != nil {
		err = e.Engine.Close()
		e.Engine = nil
	}

	if e.Telemetry != nil {
		err = errors.Join(err, e.closeTelemetry())
		e.Telemetry = nil
	}

	if e.Log != nil {
		if err != nil {
			e.Log.Errorw("failed to close engine", "error", err)
		}

		if logErr := e.Log.Sync(); logErr != nil {
			err = errors.Join(err, logErr)
		}
	}

	return
}

func (e *EngineEntrypoint) closeTelemetry() error {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()

	counters, err := e.Telemetry.Counters(ctx)
	if err == nil && e.Log != nil {
		keys := make([]any, 0, 2*len(counters))
		for _, name := range slices.Sorted(maps.Keys(counters)) {
			keys = append(keys, name, counters[name])
		}
		e.Log.Infow("engine counters", keys...)
	}

	return errors.Join(err, e.Telemetry.Shutdown(ctx))
}
