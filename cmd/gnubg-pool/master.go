package main

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mormegil-cz/gnubg-sub002/internal/core"
	"github.com/mormegil-cz/gnubg-sub002/internal/discovery"
	"github.com/mormegil-cz/gnubg-sub002/internal/pool"
	"github.com/mormegil-cz/gnubg-sub002/internal/rollout"
	"github.com/mormegil-cz/gnubg-sub002/internal/telemetry"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

func newMasterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "Run the pool and its admin console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			restore, _ := cmd.Flags().GetBool("restore")
			noConsole, _ := cmd.Flags().GetBool("no-console")
			cfg, err := core.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("monitor"); addr != "" {
				cfg.Telemetry.Enabled = true
				cfg.Telemetry.MonitorAddr = addr
			}
			m, err := newMaster(cfg)
			if err != nil {
				return err
			}
			var in io.Reader
			if !noConsole {
				in = os.Stdin
			}
			return m.run(cmd.Context(), restore, in, cmd.OutOrStdout())
		},
	}
	cmd.Flags().Bool("restore", false, "re-add the remote hosts recorded in the store")
	cmd.Flags().Bool("no-console", false, "do not read admin commands from stdin")
	cmd.Flags().String("monitor", "", "serve the monitoring endpoints on this address")
	return cmd
}

// master owns the pool of a master process and the services around it.
type master struct {
	cfg       core.Config
	pool      *pool.Pool
	store     *core.Store
	collector *telemetry.Collector
	nodeID    uuid.UUID

	mu   sync.Mutex
	seen map[uuid.UUID]string // announcing slaves by node id
}

func newMaster(cfg core.Config) (*master, error) {
	m := &master{
		cfg:    cfg,
		nodeID: uuid.New(),
		seen:   make(map[uuid.UUID]string),
	}
	var hosts pool.HostStore
	if cfg.Store.Path != "" {
		store, err := core.NewStore(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		m.store = store
		hosts = store
	}
	m.collector = telemetry.InitGlobal(cfg.Telemetry.Enabled)
	m.pool = pool.New(cfg.PoolOptions(rollout.Stub{}, hosts))
	return m, nil
}

// run populates the pool and serves until ctx is done or the console
// quits. A nil console reader waits for ctx alone.
func (m *master) run(ctx context.Context, restore bool, console io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.populate(ctx, restore); err != nil {
		m.shutdown()
		return err
	}

	var wg sync.WaitGroup
	if m.cfg.Discovery.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.discover(ctx)
		}()
	}

	var monitor *telemetry.MonitoringServer
	if m.cfg.Telemetry.Enabled && m.cfg.Telemetry.MonitorAddr != "" {
		ln, err := net.Listen("tcp", m.cfg.Telemetry.MonitorAddr)
		if err != nil {
			log.Warn().Err(err).Str("addr", m.cfg.Telemetry.MonitorAddr).Msg("monitoring disabled")
		} else {
			monitor = telemetry.NewMonitoringServer(ln.Addr().String(), m.collector, m.pool, m.cfg.Telemetry.Profiling)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := monitor.Serve(ln); err != nil {
					log.Error().Err(err).Msg("monitoring server")
				}
			}()
		}
	}

	if console != nil {
		if err := runConsole(ctx, m, console, out); err != nil && !errors.Is(err, errQuit) {
			log.Error().Err(err).Msg("console")
		}
		cancel()
	} else {
		<-ctx.Done()
	}

	if monitor != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = monitor.Shutdown(sctx)
		scancel()
	}
	wg.Wait()
	return m.shutdown()
}

func (m *master) populate(ctx context.Context, restore bool) error {
	if n := m.cfg.Pool.LocalUnits; n > 0 {
		if _, err := m.pool.AddLocal(ctx, n); err != nil {
			return err
		}
	}
	hosts := append([]string(nil), m.cfg.Remote.Hosts...)
	if restore && m.store != nil {
		saved, err := m.store.ListHosts(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("restore remote hosts")
		}
		hosts = append(hosts, saved...)
	}
	for _, h := range hosts {
		if _, err := m.pool.AddRemote(ctx, h, false); err != nil {
			if errors.Is(err, pool.ErrDuplicateHost) {
				continue
			}
			log.Warn().Err(err).Str("host", h).Msg("skipping remote host")
		}
	}
	return nil
}

func (m *master) discover(ctx context.Context) {
	l := &discovery.Listener{Addr: m.cfg.Discovery.Listen, Key: []byte(m.cfg.Discovery.Key)}
	err := l.Serve(ctx, func(a discovery.Announcement, addr string) {
		m.onAnnouncement(ctx, a, addr)
	})
	if err != nil {
		log.Error().Err(err).Msg("discovery listener")
	}
}

// onAnnouncement adds a newly announced slave as a remote unit, or
// restarts the deactivated unit already registered for it.
func (m *master) onAnnouncement(ctx context.Context, a discovery.Announcement, addr string) {
	if a.NodeID == m.nodeID || m.pool.Mode() != api.ModeMaster {
		return
	}
	m.mu.Lock()
	prev, known := m.seen[a.NodeID]
	m.seen[a.NodeID] = addr
	m.mu.Unlock()

	logger := log.With().Str("node", a.NodeID.String()).Str("addr", addr).Str("label", a.Label).Logger()
	if !known {
		logger.Info().Msg("slave announced")
	} else if prev != addr {
		logger.Info().Str("previous", prev).Msg("slave moved")
	}
	if !m.cfg.Discovery.AutoAdd {
		return
	}
	if u := m.pool.Registry().FindRemote(addr); u != nil {
		if u.Status() == pool.StatusDeactivated {
			logger.Info().Int("pu", u.ID()).Msg("restarting deactivated slave")
			if err := m.pool.Start(u.ID()); err != nil {
				logger.Warn().Err(err).Msg("restart failed")
			}
		}
		return
	}
	if _, err := m.pool.AddRemote(ctx, addr, false); err != nil {
		logger.Warn().Err(err).Msg("auto-add failed")
	}
}

// slaveOptions builds slave mode options, announcing to target when set.
func (m *master) slaveOptions(target string) (pool.SlaveOptions, error) {
	cfg := m.cfg
	if target != "" {
		cfg.Discovery.Enabled = true
		cfg.Discovery.Target = target
	}
	return cfg.SlaveOptions(m.nodeID)
}

func (m *master) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.pool.Options().StopTimeout)
	defer cancel()
	err := m.pool.Close(ctx)
	telemetry.Shutdown()
	if m.store != nil {
		if cerr := m.store.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
