package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/BlockDB/src/app"
	"github.com/Blackdeer1524/BlockDB/src/bufferpool"
	"github.com/Blackdeer1524/BlockDB/src/pkg/common"
	"github.com/Blackdeer1524/BlockDB/src/storage/engine"
	"github.com/Blackdeer1524/BlockDB/src/telemetry"
	"github.com/Blackdeer1524/BlockDB/src/txns"
)

const stressFile = "stress"

type stressOptions struct {
	workers int
	txns    int
	blocks  int
}

type stressReport struct {
	commits  atomic.Int64
	aborts   atomic.Int64
	timeouts atomic.Int64
}

func initStress() {
	var opts stressOptions

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Runs concurrent increment transactions and checks the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withEngine(cmd, func(e *app.EngineEntrypoint) error {
				return runStress(cmd, e.Engine, e.Telemetry, opts)
			})
		},
	}
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 8, "Concurrent transactions")
	cmd.Flags().IntVarP(&opts.txns, "txns", "t", 1000, "Transactions to run")
	cmd.Flags().IntVarP(&opts.blocks, "blocks", "b", 4, "Distinct blocks to update")

	rootCmd.AddCommand(cmd)
}

func runStress(
	cmd *cobra.Command,
	e *engine.Engine,
	tel *telemetry.Telemetry,
	opts stressOptions,
) error {
	if opts.workers <= 0 || opts.txns <= 0 || opts.blocks <= 0 {
		return errors.New("workers, txns and blocks must be positive")
	}

	ctx := cmd.Context()

	before, err := sumCounters(ctx, e, opts.blocks)
	if err != nil {
		return fmt.Errorf("failed to read initial state: %w", err)
	}

	pool, err := ants.NewPool(opts.workers)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var (
		report stressReport
		wg     sync.WaitGroup
		mu     sync.Mutex
		fatal  error
	)

	for range opts.txns {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()

			blk := common.NewBlockID(stressFile, rand.IntN(opts.blocks))
			err := increment(ctx, e, blk)
			switch {
			case err == nil:
				report.commits.Add(1)
			case errors.Is(err, txns.ErrLockAbort):
				report.aborts.Add(1)
			case errors.Is(err, bufferpool.ErrBufferTimeout):
				report.timeouts.Add(1)
			default:
				mu.Lock()
				fatal = errors.Join(fatal, err)
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			fatal = errors.Join(fatal, fmt.Errorf("failed to submit transaction: %w", err))
			mu.Unlock()
			break
		}
	}
	wg.Wait()

	if fatal != nil {
		return fatal
	}

	after, err := sumCounters(ctx, e, opts.blocks)
	if err != nil {
		return fmt.Errorf("failed to read final state: %w", err)
	}

	_, err = fmt.Fprintf(
		cmd.OutOrStdout(),
		"commits: %d, lock aborts: %d, buffer timeouts: %d\n",
		report.commits.Load(),
		report.aborts.Load(),
		report.timeouts.Load(),
	)
	if err != nil {
		return err
	}

	if got := after - before; got != report.commits.Load() {
		return fmt.Errorf("counters grew by %d, expected %d", got, report.commits.Load())
	}

	if tel == nil {
		return nil
	}

	counters, err := tel.Counters(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(
		cmd.OutOrStdout(),
		"pin hits: %d, pin misses: %d, lock waits: %d\n",
		counters["bufferpool.pin.hits"],
		counters["bufferpool.pin.misses"],
		counters["locktable.waits"],
	)

	return err
}

// increment adds one to the counter at the start of blk. Any failure rolls
// the transaction back.
func increment(ctx context.Context, e *engine.Engine, blk common.BlockID) (err error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback(ctx))
		}
	}()

	if err := tx.Pin(ctx, blk); err != nil {
		return err
	}

	v, err := tx.GetInt(ctx, blk, 0)
	if err != nil {
		return err
	}
	if err := tx.SetInt(ctx, blk, 0, v+1, true); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func sumCounters(ctx context.Context, e *engine.Engine, blocks int) (total int64, err error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, tx.Rollback(ctx))
		}
	}()

	for i := range blocks {
		blk := common.NewBlockID(stressFile, i)
		if err := tx.Pin(ctx, blk); err != nil {
			return 0, err
		}

		v, err := tx.GetInt(ctx, blk, 0)
		if err != nil {
			return 0, err
		}
		total += int64(v)

		if err := tx.Unpin(blk); err != nil {
			return 0, err
		}
	}

	return total, tx.Commit(ctx)
}
