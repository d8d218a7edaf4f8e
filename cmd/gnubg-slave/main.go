package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mormegil-cz/gnubg-sub002/internal/core"
	"github.com/mormegil-cz/gnubg-sub002/internal/pool"
	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/telemetry"
)

var version = "0.3.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gnubg-slave",
		Short:         "Serve rollout jobs from a gnubg master",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
				cfg.Slave.Listen = listen
			}
			if units, _ := cmd.Flags().GetInt("units"); units > 0 {
				cfg.Pool.LocalUnits = units
			}
			if target, _ := cmd.Flags().GetString("announce"); target != "" {
				cfg.Discovery.Enabled = true
				cfg.Discovery.Target = target
			}
			return runSlave(cmd.Context(), cfgPath, cfg)
		},
	}
	cmd.PersistentFlags().StringP("log", "l", "info", "Set log level. Available: trace, debug, info, warn, error, fatal")
	cmd.PersistentFlags().String("config", "", "config file (yaml or toml)")
	cmd.Flags().String("listen", "", "address to accept masters on")
	cmd.Flags().IntP("units", "u", 0, "number of local units (default from config)")
	cmd.Flags().String("announce", "", "broadcast discovery announcements to this address")
	cmd.PersistentPreRun = func(c *cobra.Command, args []string) {
		levelStr, _ := c.Flags().GetString("log")
		setLogLevel(levelStr)
	}
	return cmd
}

func setLogLevel(level string) {
	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func runSlave(ctx context.Context, cfgPath string, cfg core.Config) error {
	nodeID := uuid.New()
	telemetry.InitGlobal(cfg.Telemetry.Enabled)
	defer telemetry.Shutdown()

	p := pool.New(cfg.PoolOptions(rollout.Stub{}, nil))
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 2*p.Options().StopTimeout)
		defer cancel()
		if err := p.Close(cctx); err != nil {
			log.Warn().Err(err).Msg("close pool")
		}
	}()
	if _, err := p.AddLocal(ctx, cfg.Pool.LocalUnits); err != nil {
		return err
	}

	opts, err := cfg.SlaveOptions(nodeID)
	if err != nil {
		return err
	}
	err = core.WatchConfig(ctx, cfgPath, func(c core.Config) {
		if err := opts.Allow.Set(c.Slave.Allow); err != nil {
			log.Warn().Err(err).Msg("keeping previous allow list")
			return
		}
		log.Info().Strs("allow", c.Slave.Allow).Msg("allow list updated")
	})
	if err != nil {
		log.Warn().Err(err).Msg("config changes will not be picked up")
	}

	if cfg.Telemetry.Enabled && cfg.Telemetry.MonitorAddr != "" {
		monitor := telemetry.NewMonitoringServer(cfg.Telemetry.MonitorAddr, telemetry.GetGlobal(), p, cfg.Telemetry.Profiling)
		go func() {
			if err := monitor.Start(); err != nil {
				log.Error().Err(err).Msg("monitoring server")
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Shutdown(sctx)
		}()
	}

	log.Info().Str("node", nodeID.String()).Str("listen", cfg.Slave.Listen).Int("units", cfg.Pool.LocalUnits).Msg("gnubg-slave starting")
	err = p.RunSlave(ctx, opts)
	log.Info().Msg("gnubg-slave shutting down")
	return err
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	root := newRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
