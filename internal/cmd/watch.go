package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/inercia/honeypot/internal/honeypot"
	"github.com/inercia/honeypot/internal/logging"
	"github.com/inercia/honeypot/internal/registry"
	"github.com/inercia/honeypot/internal/shutdown"
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch [black|white]",
	Short: "Follow a list and print its clients whenever it changes",
	Long: `Follow the snapshot of a list (the blacklist by default) and print the
addresses on it every time a running honeypot rewrites it. Clients older than
penalty_timespan are skipped. Stop with Ctrl-C.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{honeypot.BlackList, honeypot.WhiteList},
	RunE:      runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// changePrinter prints a line per change of the watched list. Repeated
// snapshots with the same address set are printed once.
type changePrinter struct {
	mu   sync.Mutex
	out  io.Writer
	list string
	last string
}

func (p *changePrinter) onChange(s *registry.Snapshot, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		logging.Registry().Warn("snapshot_read_error",
			"list", p.list,
			"error", err,
		)
		return
	}

	active := s.Active(cfg.PenaltyTimespan, now())
	addrs := make([]string, len(active))
	for i, rec := range active {
		addrs[i] = rec.Addr
	}
	line := fmt.Sprintf("%s: %d client(s) %s", p.list, len(addrs), strings.Join(addrs, " "))
	line = strings.TrimSpace(line)
	if line == p.last {
		return
	}
	p.last = line
	fmt.Fprintf(p.out, "%s %s\n", now().Format("15:04:05"), line)
}

func runWatch(cmd *cobra.Command, args []string) error {
	list := honeypot.BlackList
	if len(args) > 0 {
		list = args[0]
	}
	path, err := snapshotPath(cfg, list)
	if err != nil {
		return err
	}

	printer := &changePrinter{out: cmd.OutOrStdout(), list: list}
	w, err := registry.NewWatcher(list, path, printer.onChange, logging.Registry())
	if err != nil {
		return err
	}
	w.Start()
	w.Reload()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	sm := shutdown.NewManager(parent)
	sm.AddCleanup(func(reason string) {
		w.Close()
	})
	sm.Start()

	<-sm.Done()
	return nil
}
