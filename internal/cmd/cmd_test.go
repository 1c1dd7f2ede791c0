package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	embeddedconfig "github.com/inercia/honeypot/config"
	"github.com/inercia/honeypot/internal/appdir"
	"github.com/inercia/honeypot/internal/config"
	"github.com/inercia/honeypot/internal/honeypot"
	"github.com/inercia/honeypot/internal/registry"
)

// syncBuffer is a bytes.Buffer safe for a command writing while the test reads.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.PersistentFlags().VisitAll(reset)
	c.Flags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// withDataDir points the data directory at a fresh temporary directory.
func withDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(appdir.DirEnv, dir)
	appdir.ResetCache()
	t.Cleanup(appdir.ResetCache)
	return dir
}

// setContext gives every command ctx. Cobra only fills in the context of a
// subcommand that has none, so one kept from an earlier run would be reused.
func setContext(c *cobra.Command, ctx context.Context) {
	c.SetContext(ctx)
	for _, sub := range c.Commands() {
		setContext(sub, ctx)
	}
}

func runCLI(t *testing.T, ctx context.Context, out *syncBuffer, args ...string) error {
	t.Helper()
	resetFlags(rootCmd)
	setContext(rootCmd, ctx)
	rootCmd.SetOut(out)
	rootCmd.SetErr(out)
	envFile := filepath.Join(t.TempDir(), ".env")
	rootCmd.SetArgs(append(args, "--env-file", envFile, "--log-level", "error"))
	return rootCmd.ExecuteContext(ctx)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	err := runCLI(t, context.Background(), out, args...)
	return out.String(), err
}

// seedLists writes a blacklist with three clients, one of them whitelisted.
func seedLists(t *testing.T, dir string) {
	t.Helper()
	limits := registry.Config{MaxEntries: 4096, MaxSequenceLength: 10, PenaltyTimespan: 20 * time.Second}

	blackCfg := limits
	blackCfg.Name = "black"
	blackCfg.Path = filepath.Join(dir, "list_black.json")
	black := registry.New(blackCfg, nil)
	rec := black.Add("::ffff:192.168.2.51", 2001)
	black.Update(rec, 2003)
	black.Update(rec, 2000)
	black.Add("::ffff:10.0.0.9", 2004)
	black.Persist()

	whiteCfg := limits
	whiteCfg.Name = "white"
	whiteCfg.Path = filepath.Join(dir, "list_white.json")
	white := registry.New(whiteCfg, nil)
	white.Add("::ffff:192.168.2.51", 2000)
	white.Persist()
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "honeypot "+Version+"\n", out)
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantPrint bool
	}{
		{"nil", nil, 0, false},
		{"plain error", errors.New("boom"), 1, true},
		{"silent exit", &ExitError{Code: 2}, 2, false},
		{"exit with error", &ExitError{Code: 3, Err: errors.New("unreadable")}, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, print := ExitCode(tt.err)
			assert.Equal(t, tt.wantCode, code)
			assert.Equal(t, tt.wantPrint, print)
		})
	}
}

func TestConfigCreate(t *testing.T) {
	withDataDir(t)
	outDir := t.TempDir()
	path := filepath.Join(outDir, appdir.ConfigFileName)

	out, err := run(t, "config", "create", "--output", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration file created")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, embeddedconfig.DefaultConfigYAML, data)

	require.NoError(t, os.WriteFile(path, []byte("max_entries: 1\n"), 0644))
	out, err = run(t, "config", "create", "--output", outDir)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")

	_, err = run(t, "config", "create", "--output", outDir, "--force")
	require.NoError(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, embeddedconfig.DefaultConfigYAML, data)
}

func TestConfigShow_LayersFileAndEnvironment(t *testing.T) {
	dir := withDataDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, appdir.ConfigFileName),
		[]byte("max_entries: 50\nmax_sequence_length: 5\n"), 0644))
	t.Setenv("HONEYPOT_MAX_ENTRIES", "77")

	out, err := run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "max_entries: 77")
	assert.Contains(t, out, "max_sequence_length: 5")
	assert.Contains(t, out, "penalty_timespan: 20s")
	assert.Contains(t, out, filepath.Join(dir, "list_black.json"))
}

func TestInvalidConfiguration(t *testing.T) {
	withDataDir(t)
	t.Setenv("HONEYPOT_MAX_ENTRIES", "0")

	_, err := run(t, "list")
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrInvalid))
}

func TestCheck(t *testing.T) {
	dir := withDataDir(t)
	seedLists(t, dir)

	tests := []struct {
		addr       string
		wantCode   int
		wantPrefix string
	}{
		{"::ffff:192.168.2.51", 0, "white ::ffff:192.168.2.51 count=1"},
		{"::ffff:10.0.0.9", 1, "black ::ffff:10.0.0.9 count=1 ports=2004"},
		{"::ffff:10.9.9.9", 2, "unknown ::ffff:10.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			out, err := run(t, "check", tt.addr)
			code, _ := ExitCode(err)
			assert.Equal(t, tt.wantCode, code)
			assert.True(t, strings.HasPrefix(out, tt.wantPrefix), "output %q", out)
		})
	}
}

func TestCheck_ExpiredIsUnknown(t *testing.T) {
	dir := withDataDir(t)
	seedLists(t, dir)

	saved := now
	now = func() time.Time { return time.Now().Add(time.Minute) }
	t.Cleanup(func() { now = saved })

	out, err := run(t, "check", "::ffff:10.0.0.9")
	code, _ := ExitCode(err)
	assert.Equal(t, 2, code)
	assert.True(t, strings.HasPrefix(out, "unknown"))
}

func TestCheck_JSON(t *testing.T) {
	dir := withDataDir(t)
	seedLists(t, dir)

	out, err := run(t, "check", "--json", "::ffff:192.168.2.51")
	require.NoError(t, err)

	var result struct {
		Addr   string                 `json:"addr"`
		Status string                 `json:"status"`
		Record *registry.ClientRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "white", result.Status)
	require.NotNil(t, result.Record)
	assert.Equal(t, []int{2000}, result.Record.Ports)
}

func TestCheck_UnreadableList(t *testing.T) {
	dir := withDataDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "list_black.json"), []byte("{broken"), 0644))

	_, err := run(t, "check", "10.0.0.1")
	code, printErr := ExitCode(err)
	assert.Equal(t, 3, code)
	assert.True(t, printErr)
}

func TestList_Table(t *testing.T) {
	dir := withDataDir(t)
	seedLists(t, dir)

	out, err := run(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "blacklist: 2 client(s)")
	assert.Contains(t, out, "whitelist: 1 client(s)")
	assert.Contains(t, out, "2001,2003,2000")
	assert.Contains(t, out, "::ffff:10.0.0.9")
}

func TestList_JSON(t *testing.T) {
	dir := withDataDir(t)
	seedLists(t, dir)

	out, err := run(t, "list", "black", "--json")
	require.NoError(t, err)

	var records []registry.ClientRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	require.Len(t, records, 2)
	assert.Equal(t, "::ffff:192.168.2.51", records[0].Addr)
	assert.Equal(t, 3, records[0].Count)
}

func TestList_SkipsExpiredUnlessAll(t *testing.T) {
	dir := withDataDir(t)
	seedLists(t, dir)

	saved := now
	now = func() time.Time { return time.Now().Add(time.Minute) }
	t.Cleanup(func() { now = saved })

	out, err := run(t, "list", "black")
	require.NoError(t, err)
	assert.Contains(t, out, "blacklist: 0 client(s)")

	out, err = run(t, "list", "black", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "blacklist: 2 client(s)")
}

func TestList_Errors(t *testing.T) {
	withDataDir(t)

	_, err := run(t, "list", "grey")
	assert.ErrorContains(t, err, "unknown list")

	t.Setenv("HONEYPOT_WHITE_SEQUENCE", "")
	_, err = run(t, "list", "white")
	assert.ErrorContains(t, err, "whitelist is disabled")
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestServe_RecordsUntilCancelled(t *testing.T) {
	dir := withDataDir(t)
	t.Setenv("HONEYPOT_LISTEN_HOST", "127.0.0.1")
	t.Setenv("HONEYPOT_RESPONSE_DELAY_MIN", "0s")
	t.Setenv("HONEYPOT_RESPONSE_DELAY_MAX", "0s")
	port := freePort(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runCLI(t, ctx, out, "serve", "--ports", strconv.Itoa(port))
	}()

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	var conn net.Conn
	require.Eventually(t, func() bool {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	buf := make([]byte, 16)
	n, _ := conn.Read(buf)
	conn.Close()
	assert.True(t, strings.HasPrefix(string(buf[:n]), "OK "))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}

	records, err := registry.ReadSnapshot(filepath.Join(dir, "list_black.json"))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []int{port}, records[0].Ports)
}

func TestWatch_PrintsChanges(t *testing.T) {
	dir := withDataDir(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runCLI(t, ctx, out, "watch", "black")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "black: 0 client(s)")
	}, 5*time.Second, 20*time.Millisecond)

	seedLists(t, dir)

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "black: 2 client(s) ::ffff:192.168.2.51 ::ffff:10.0.0.9")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}

func TestEvents_PrintsFeed(t *testing.T) {
	withDataDir(t)
	hub := honeypot.NewEventHub(nil)
	ts := httptest.NewServer(hub)
	defer ts.Close()
	defer hub.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runCLI(t, ctx, out, "events", "--addr", addr)
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "connected to ws://"+addr)
	}, 5*time.Second, 20*time.Millisecond)

	hub.Publish(honeypot.Event{
		Type:    honeypot.EventConnection,
		Time:    time.Now(),
		Addr:    "::ffff:10.0.0.1",
		Port:    2003,
		Count:   2,
		Outcome: "promoted",
	})
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "::ffff:10.0.0.1 port=2003 count=2 promoted")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("events did not stop after cancel")
	}
}

func TestEvents_StopsWhenFeedCloses(t *testing.T) {
	withDataDir(t)
	hub := honeypot.NewEventHub(nil)
	ts := httptest.NewServer(hub)
	defer ts.Close()
	addr := strings.TrimPrefix(ts.URL, "http://")

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- runCLI(t, context.Background(), out, "events", "--addr", addr, "--json")
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"type":"connected"`)
	}, 5*time.Second, 20*time.Millisecond)

	hub.Close()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("events did not stop when the feed closed")
	}
	assert.Contains(t, out.String(), "honeypot closed the event feed")
}

func TestEvents_RequiresAddress(t *testing.T) {
	withDataDir(t)

	_, err := run(t, "events")
	assert.ErrorContains(t, err, "no event feed address")
}
