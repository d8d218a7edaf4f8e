package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mormegil-cz/gnubg-sub002/internal/core"
	"github.com/mormegil-cz/gnubg-sub002/internal/pool"
	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/task"
)

type benchResult struct {
	Tasks   int
	Failed  int
	Elapsed time.Duration
}

func (r benchResult) Rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Tasks) / r.Elapsed.Seconds()
}

func newBenchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run rollout tasks through the pool and report throughput",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			n, _ := cmd.Flags().GetInt("tasks")
			units, _ := cmd.Flags().GetInt("units")
			delay, _ := cmd.Flags().GetDuration("delay")
			remotes, _ := cmd.Flags().GetStringSlice("remote")

			opts := cfg.PoolOptions(rollout.Stub{Delay: delay}, nil)
			res, err := runBench(cmd.Context(), opts, units, remotes, n)
			if err != nil {
				return err
			}
			printBench(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().IntP("tasks", "n", 1000, "number of rollout tasks")
	cmd.Flags().IntP("units", "u", 4, "number of local units")
	cmd.Flags().Duration("delay", 0, "simulated evaluation time per task")
	cmd.Flags().StringSlice("remote", nil, "remote slaves to include")
	return cmd
}

// runBench submits n rollout tasks, waiting for results whenever the table
// is full, and returns once every task has come back.
func runBench(ctx context.Context, opts pool.Options, units int, remotes []string, n int) (benchResult, error) {
	if units < 1 && len(remotes) == 0 {
		return benchResult{}, &pool.ConfigError{Field: "units", Value: fmt.Sprint(units), Message: "no processing units to run on"}
	}
	p := pool.New(opts)
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*p.Options().StopTimeout)
		defer cancel()
		if err := p.Close(cctx); err != nil {
			log.Warn().Err(err).Msg("close bench pool")
		}
	}()

	if units > 0 {
		if _, err := p.AddLocal(ctx, units); err != nil {
			return benchResult{}, err
		}
	}
	for _, addr := range remotes {
		if _, err := p.AddRemote(ctx, addr, true); err != nil {
			return benchResult{}, err
		}
	}

	var res benchResult
	collect := func() error {
		t, err := p.GetCompletedTask(ctx)
		if err != nil {
			return err
		}
		if t != nil {
			res.Tasks++
			if t.Code < 0 {
				res.Failed++
			}
		}
		return nil
	}

	start := time.Now()
	for submitted := 0; submitted < n; {
		payload := &task.RolloutPayload{Trials: 36, Seed: uint32(submitted), Plies: 1}
		payload.Board[0][0] = uint32(submitted % 15)
		if _, err := p.Submit(payload); err != nil {
			if !errors.Is(err, pool.ErrTableFull) {
				return res, err
			}
			if err := collect(); err != nil {
				return res, err
			}
			continue
		}
		submitted++
		p.Engine().Schedule()
	}
	for res.Tasks < n {
		if err := collect(); err != nil {
			return res, err
		}
	}
	res.Elapsed = time.Since(start)
	return res, nil
}

func printBench(w io.Writer, r benchResult) {
	fmt.Fprintf(w, "%d tasks (%d failed) in %s, %.1f tasks/s\n", r.Tasks, r.Failed, r.Elapsed.Round(time.Millisecond), r.Rate())
}
