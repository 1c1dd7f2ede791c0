package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/inercia/honeypot/internal/honeypot"
	"github.com/inercia/honeypot/internal/logging"
	"github.com/inercia/honeypot/internal/shutdown"
)

var (
	eventsAddr string
	eventsJSON bool
)

// eventsCmd represents the events command
var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow the live connection feed of a running honeypot",
	Long: `Connect to the event feed of a running honeypot and print every
connection attempt and expiry as it happens. The honeypot serves the feed on
its metrics endpoint, so metrics_addr must be set for 'honeypot serve'.

Examples:
  honeypot events --addr 127.0.0.1:9120
  honeypot events --json | jq .`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().StringVar(&eventsAddr, "addr", "",
		"Address of the honeypot metrics endpoint (default: metrics_addr)")
	eventsCmd.Flags().BoolVar(&eventsJSON, "json", false, "Print the raw JSON events")
}

func runEvents(cmd *cobra.Command, args []string) error {
	addr := eventsAddr
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr == "" {
		return fmt.Errorf("no event feed address: set metrics_addr or use --addr")
	}
	feed := url.URL{Scheme: "ws", Host: addr, Path: honeypot.EventsPath}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	sm := shutdown.NewManager(parent)

	conn, _, err := websocket.DefaultDialer.DialContext(sm.Context(), feed.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", feed.String(), err)
	}
	sm.AddCleanup(func(reason string) {
		conn.Close()
	})
	sm.Start()

	out := cmd.OutOrStdout()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if sm.Context().Err() != nil {
				<-sm.Done()
				return nil
			}
			sm.Shutdown("disconnected")
			if websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				fmt.Fprintln(out, "honeypot closed the event feed")
				return nil
			}
			return fmt.Errorf("event feed interrupted: %w", err)
		}

		if eventsJSON {
			fmt.Fprintln(out, string(data))
			continue
		}
		var ev honeypot.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			logging.Get().Warn("event_decode_error", "error", err)
			continue
		}
		printEvent(out, feed.String(), ev)
	}
}

func printEvent(out io.Writer, feed string, ev honeypot.Event) {
	ts := ev.Time.Local().Format("15:04:05")
	switch ev.Type {
	case honeypot.EventConnected:
		fmt.Fprintf(out, "%s connected to %s\n", ts, feed)
	case honeypot.EventConnection:
		fmt.Fprintf(out, "%s %s port=%d count=%d %s\n", ts, ev.Addr, ev.Port, ev.Count, ev.Outcome)
	case honeypot.EventExpired:
		fmt.Fprintf(out, "%s expired black=%d white=%d\n", ts, ev.Black, ev.White)
	default:
		fmt.Fprintf(out, "%s %s\n", ts, ev.Type)
	}
}
