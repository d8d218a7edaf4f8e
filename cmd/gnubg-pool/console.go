package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mormegil-cz/gnubg-sub002/internal/pool"
	"github.com/mormegil-cz/gnubg-sub002/pkg/api"
)

var errQuit = errors.New("quit")

// runConsole executes one admin command per input line until EOF, quit or
// ctx is done. Command errors are printed and do not end the console.
func runConsole(ctx context.Context, m *master, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(in)
		for s.Scan() {
			select {
			case lines <- s.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- s.Err()
	}()

	fmt.Fprint(out, "> ")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			err := execLine(ctx, m, line, out)
			if errors.Is(err, errQuit) {
				return err
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
			fmt.Fprint(out, "> ")
		}
	}
}

// execLine runs a single console line through a fresh command tree.
func execLine(ctx context.Context, m *master, line string, out io.Writer) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	root := newConsoleCmd(m)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return root.ExecuteContext(ctx)
}

func newConsoleCmd(m *master) *cobra.Command {
	root := &cobra.Command{
		Use:           "pu",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.AddCommand(
		newAddLocalCmd(m),
		newAddRemoteCmd(m),
		newUnitCmd(m, "remove", "Stop and forget a processing unit", func(ctx context.Context, id int) error {
			return m.pool.Remove(ctx, id)
		}),
		newUnitCmd(m, "start", "Reactivate a stopped processing unit", func(ctx context.Context, id int) error {
			return m.pool.Start(id)
		}),
		newUnitCmd(m, "stop", "Stop a processing unit and revert its tasks", func(ctx context.Context, id int) error {
			return m.pool.Stop(ctx, id)
		}),
		newListCmd(m),
		newStatsCmd(m),
		newTasksCmd(m),
		newSlaveCmd(m),
		newToMasterCmd(m),
		&cobra.Command{
			Use:     "quit",
			Aliases: []string{"exit"},
			Short:   "Leave the console and shut the pool down",
			RunE: func(cmd *cobra.Command, args []string) error {
				return errQuit
			},
		},
	)
	return root
}

func newAddLocalCmd(m *master) *cobra.Command {
	return &cobra.Command{
		Use:   "add-local [count]",
		Short: "Add local processing units",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return &pool.ConfigError{Field: "count", Value: args[0], Message: "not a number"}
				}
				count = n
			}
			units, err := m.pool.AddLocal(cmd.Context(), count)
			for _, u := range units {
				fmt.Fprintf(cmd.OutOrStdout(), "added local unit %d\n", u.ID())
			}
			return err
		},
	}
}

func newAddRemoteCmd(m *master) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add-remote host[:port]",
		Short: "Add a remote slave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wait, _ := cmd.Flags().GetBool("wait")
			u, err := m.pool.AddRemote(cmd.Context(), args[0], wait)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added remote unit %d (%s) %s\n", u.ID(), u.Address(), u.Status())
			return nil
		},
	}
	cmd.Flags().BoolP("wait", "w", false, "wait for the handshake to finish")
	return cmd
}

func newUnitCmd(m *master, use, short string, fn func(ctx context.Context, id int) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " id",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := fn(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d: ok\n", use, id)
			return nil
		},
	}
}

func newListCmd(m *master) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List processing units",
		RunE: func(cmd *cobra.Command, args []string) error {
			writeUnits(cmd.OutOrStdout(), m.pool.List())
			return nil
		},
	}
}

func newStatsCmd(m *master) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [id]",
		Short: "Show per-kind statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := pool.AnyID
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0]); err != nil {
					return err
				}
			}
			units, err := m.pool.Stats(id)
			if err != nil {
				return err
			}
			writeStats(cmd.OutOrStdout(), units)
			return nil
		},
	}
}

func newTasksCmd(m *master) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "Show task table counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := m.pool.Tasks()
			fmt.Fprintf(cmd.OutOrStdout(), "todo %d, in progress %d, done %d (table %d)\n",
				c.Todo, c.InProgress, c.Done, c.Size)
			return nil
		},
	}
}

func newSlaveCmd(m *master) *cobra.Command {
	return &cobra.Command{
		Use:   "slave [discovery-target]",
		Short: "Serve a remote master with the local units",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var target string
			if len(args) == 1 {
				target = args[0]
			}
			opts, err := m.slaveOptions(target)
			if err != nil {
				return err
			}
			if err := m.pool.SwitchToSlave(opts); err != nil {
				return err
			}
			addr := opts.Listen
			if a := m.pool.SlaveAddr(); a != nil {
				addr = a.String()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "slave mode, listening on %s\n", addr)
			return nil
		},
	}
}

func newToMasterCmd(m *master) *cobra.Command {
	return &cobra.Command{
		Use:   "master",
		Short: "Leave slave mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := m.pool.SwitchToMaster(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "master mode")
			return nil
		},
	}
}

func parseID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, &pool.ConfigError{Field: "id", Value: s, Message: "not a unit id"}
	}
	return id, nil
}

func writeUnits(w io.Writer, units []api.Unit) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCAPACITY\tMASK\tADDRESS\tLABEL")
	for _, u := range units {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n", u.ID, u.Type, u.Status, u.Capacity, u.Mask, u.Address, u.Label)
	}
	tw.Flush()
}

func writeStats(w io.Writer, units []api.Unit) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSUBMITTED\tCOMPLETED\tFAILED\tAVG MS")
	for _, u := range units {
		for _, k := range u.Stats {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%.2f\n", u.ID, k.Kind, k.Submitted, k.Completed, k.Failed, k.AvgLatencyMs)
		}
	}
	tw.Flush()
}
