package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/honeypot/internal/config"
	"github.com/inercia/honeypot/internal/honeypot"
	"github.com/inercia/honeypot/internal/registry"
)

var (
	checkJSON bool
	listJSON  bool
	listAll   bool

	// now is the clock used to judge record age; replaced in tests.
	now = time.Now
)

// checkCmd represents the check command
var checkCmd = &cobra.Command{
	Use:   "check <address>",
	Short: "Tell whether an address is whitelisted, blacklisted or unknown",
	Long: `Look an address up in the list snapshots written by a running honeypot.

The whitelist is consulted first: a whitelisted client is reported as white
even though it is also on the blacklist. Clients not seen for longer than
penalty_timespan are reported as unknown.

The address must be given exactly as the honeypot records it
(e.g. "::ffff:192.168.2.51" for IPv4 clients of a dual-stack listener).

Exit status: 0 white, 1 black, 2 unknown, 3 when a list cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

// listCmd represents the list command
var listCmd = &cobra.Command{
	Use:   "list [black|white]",
	Short: "Print the clients on the lists",
	Long: `Print the clients stored in the list snapshots. Without an argument
both lists are printed (the whitelist only when a white_sequence is set).

Clients not seen for longer than penalty_timespan are skipped unless --all
is given.`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{honeypot.BlackList, honeypot.WhiteList},
	RunE:      runList,
}

func init() {
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(listCmd)

	checkCmd.Flags().BoolVar(&checkJSON, "json", false, "Print the result as JSON")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Print the records as JSON")
	listCmd.Flags().BoolVarP(&listAll, "all", "a", false, "Include clients older than penalty_timespan")
}

// snapshotPath returns the snapshot file of list.
func snapshotPath(c *config.Config, list string) (string, error) {
	switch list {
	case honeypot.BlackList:
		return c.BlacklistFile, nil
	case honeypot.WhiteList:
		if !c.WhitelistEnabled() {
			return "", fmt.Errorf("the whitelist is disabled (white_sequence is empty)")
		}
		return c.WhitelistFile, nil
	default:
		return "", fmt.Errorf("unknown list %q, expected %q or %q", list, honeypot.BlackList, honeypot.WhiteList)
	}
}

// selectedLists returns the lists named in args, or all enabled lists.
func selectedLists(c *config.Config, args []string) []string {
	if len(args) > 0 {
		return args
	}
	if c.WhitelistEnabled() {
		return []string{honeypot.BlackList, honeypot.WhiteList}
	}
	return []string{honeypot.BlackList}
}

func loadList(c *config.Config, list string) (*registry.Snapshot, error) {
	path, err := snapshotPath(c, list)
	if err != nil {
		return nil, err
	}
	s, err := registry.LoadSnapshot(list, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return s, nil
}

// checkResult is the JSON form of a check.
type checkResult struct {
	Addr   string                 `json:"addr"`
	Status registry.Status        `json:"status"`
	Record *registry.ClientRecord `json:"record,omitempty"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	addr := args[0]

	black, err := loadList(cfg, honeypot.BlackList)
	if err != nil {
		return &ExitError{Code: 3, Err: err}
	}
	var white *registry.Snapshot
	if cfg.WhitelistEnabled() {
		if white, err = loadList(cfg, honeypot.WhiteList); err != nil {
			return &ExitError{Code: 3, Err: err}
		}
	}

	t := now()
	status, rec := registry.Classify(addr, black, white, cfg.PenaltyTimespan, t)

	out := cmd.OutOrStdout()
	if checkJSON {
		enc := json.NewEncoder(out)
		if err := enc.Encode(checkResult{Addr: addr, Status: status, Record: rec}); err != nil {
			return &ExitError{Code: 3, Err: err}
		}
	} else if rec != nil {
		fmt.Fprintf(out, "%s %s count=%d ports=%s last_seen=%s\n",
			status, addr, rec.Count, formatPorts(rec.Ports), formatAge(rec.Age(t)))
	} else {
		fmt.Fprintf(out, "%s %s\n", status, addr)
	}

	switch status {
	case registry.StatusWhite:
		return nil
	case registry.StatusBlack:
		return &ExitError{Code: 1}
	default:
		return &ExitError{Code: 2}
	}
}

func runList(cmd *cobra.Command, args []string) error {
	lists := selectedLists(cfg, args)
	t := now()

	maxAge := cfg.PenaltyTimespan
	if listAll {
		maxAge = 0
	}

	result := make(map[string][]registry.ClientRecord, len(lists))
	for _, list := range lists {
		s, err := loadList(cfg, list)
		if err != nil {
			return err
		}
		result[list] = s.Active(maxAge, t)
	}

	out := cmd.OutOrStdout()
	if listJSON {
		enc := json.NewEncoder(out)
		if len(lists) == 1 {
			return enc.Encode(result[lists[0]])
		}
		return enc.Encode(result)
	}

	for i, list := range lists {
		if i > 0 {
			fmt.Fprintln(out)
		}
		printRecords(out, list, result[list], t)
	}
	return nil
}

func printRecords(out io.Writer, list string, records []registry.ClientRecord, t time.Time) {
	fmt.Fprintf(out, "%slist: %d client(s)\n", list, len(records))
	if len(records) == 0 {
		return
	}

	// Use tabwriter for aligned output
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tCOUNT\tPORTS\tLAST SEEN")
	fmt.Fprintln(w, "-------\t-----\t-----\t---------")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", rec.Addr, rec.Count, formatPorts(rec.Ports), formatAge(rec.Age(t)))
	}
	w.Flush()
}

func formatPorts(ports []int) string {
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ",")
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return d.Truncate(time.Second).String() + " ago"
}
