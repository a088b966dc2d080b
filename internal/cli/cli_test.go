package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/mpc-orchestrator/internal/config"
	"github.com/ChuLiYu/mpc-orchestrator/internal/server"
	"github.com/ChuLiYu/mpc-orchestrator/internal/storage/journal"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

// testConfig returns a config bound to ephemeral ports with state under a temp dir
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(`
netconfigs:
  - id: demo
    parties: 3
    computation_types: [radar, granger]
datasets:
  - owner_id: 0
    name: radar_a
    headers: [t, x, y]
    rows: 10
`))
	require.NoError(t, err)

	cfg.Server.GRPCPort = 0
	cfg.Server.HTTPPort = 0
	cfg.Server.ResultBaseURL = "http://results.test"
	cfg.Jobs.PhaseTimeout = 5 * time.Second
	cfg.Executor.PhaseDelay = time.Millisecond
	cfg.Journal.Path = filepath.Join(dir, "journal.log")
	cfg.Archive.Dir = filepath.Join(dir, "archive")
	cfg.Metrics.Enabled = false
	return cfg
}

// startNode runs a node in the background; stop cancels it and returns run's error
func startNode(t *testing.T, cfg *config.Config) (nd *node, stop func() error) {
	t.Helper()
	nd, err := newNode(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- nd.run(ctx) }()

	stop = sync.OnceValue(func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(15 * time.Second):
			return errors.New("node did not stop")
		}
	})
	t.Cleanup(func() { _ = stop() })
	return nd, stop
}

func dialNode(t *testing.T, nd *node) *server.Client {
	t.Helper()
	port := nd.grpcLis.Addr().(*net.TCPAddr).Port
	conn, err := grpc.NewClient(fmt.Sprintf("localhost:%d", port), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return server.NewClient(conn)
}

// ============================================================================
// Command Tree Tests
// ============================================================================

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "mpc-orchestrator", cmd.Use)
	assert.Equal(t, "1.0.0", cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
		assert.NotNil(t, c.RunE, "%s should have RunE", c.Name())
	}
	for _, want := range []string{"serve", "submit", "datasets", "headers", "journal", "status"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "configs/default.yaml", configFlag.DefValue)
}

func TestBuildSubmitCommand(t *testing.T) {
	cmd := buildSubmitCommand()

	fileFlag := cmd.Flags().Lookup("file")
	require.NotNil(t, fileFlag)
	assert.Equal(t, "f", fileFlag.Shorthand)

	netconfigFlag := cmd.Flags().Lookup("netconfig")
	require.NotNil(t, netconfigFlag)
	assert.Equal(t, "demo", netconfigFlag.DefValue)

	assert.NotNil(t, cmd.Flags().Lookup("addr"))
	assert.NotNil(t, cmd.Flags().Lookup("timeout"))
}

func TestSubmitRejectsMissingParameterFile(t *testing.T) {
	cmd := buildSubmitCommand()
	cmd.SetArgs([]string{"--file", filepath.Join(t.TempDir(), "missing.json")})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read parameter file")
}

// ============================================================================
// Logging Tests
// ============================================================================

func TestSetupLogging(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(prev)
		slog.SetLogLoggerLevel(slog.LevelInfo)
	})

	tests := []struct {
		name   string
		level  string
		format string
		check  func(t *testing.T, out string)
	}{
		{
			name:   "json at debug",
			level:  "debug",
			format: "json",
			check: func(t *testing.T, out string) {
				var rec map[string]interface{}
				require.NoError(t, json.Unmarshal([]byte(strings.Split(out, "\n")[0]), &rec))
				assert.Equal(t, "hello", rec["msg"])
			},
		},
		{
			name:   "text at warn hides info",
			level:  "warn",
			format: "text",
			check: func(t *testing.T, out string) {
				assert.Empty(t, out)
			},
		},
		{
			name:   "unknown level falls back to info",
			level:  "chatty",
			format: "text",
			check: func(t *testing.T, out string) {
				assert.Contains(t, out, "msg=hello")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Logging.Level = tt.level
			cfg.Logging.Format = tt.format

			var buf bytes.Buffer
			setupLogging(cfg, &buf)
			slog.Info("hello")
			tt.check(t, buf.String())
		})
	}
}

// ============================================================================
// Node Tests
// ============================================================================

func TestNodeServesComputationAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	nd, stop := startNode(t, cfg)
	client := dialNode(t, nd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	job, err := runComputation(ctx, client, "demo", map[string]interface{}{"type": "radar"}, &out)
	require.NoError(t, err)
	assert.Equal(t, types.StateClosed, job.State)
	assert.Equal(t, "http://results.test/result/"+string(job.ID), job.ResultLocator)

	printed := out.String()
	assert.Contains(t, printed, "computation validated")
	assert.Contains(t, printed, "postprocessing")
	assert.Contains(t, printed, "result: "+job.ResultLocator)

	require.NoError(t, stop())

	var entries []journal.EntryType
	require.NoError(t, journal.ReplayFile(cfg.Journal.Path, func(e journal.Entry) error {
		if e.JobID == job.ID {
			entries = append(entries, e.Type)
		}
		return nil
	}))
	assert.Contains(t, entries, journal.EntryCreated)
	assert.Contains(t, entries, journal.EntryClosed)
}

func TestRunComputationReportsFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Executor.FailPhase = types.PhaseOnline
	cfg.Executor.FailKind = types.FailureResource
	nd, _ := startNode(t, cfg)
	client := dialNode(t, nd)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	job, err := runComputation(ctx, client, "demo", map[string]interface{}{"type": "radar"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "computation failed in online")
	assert.Equal(t, types.StateFailed, job.State)
	assert.Contains(t, out.String(), "failed in online")
}

func TestRunComputationRejectsInvalidParameters(t *testing.T) {
	nd, _ := startNode(t, testConfig(t))
	client := dialNode(t, nd)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := runComputation(ctx, client, "demo", map[string]interface{}{"type": "sum"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, types.ErrValidationFailed)
}

func TestNewNodeFailsOnBusyPort(t *testing.T) {
	lis, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := testConfig(t)
	cfg.Server.HTTPPort = lis.Addr().(*net.TCPAddr).Port

	_, err = newNode(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to listen on HTTP port")
}

// ============================================================================
// Local Command Tests
// ============================================================================

func TestPrintJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.log")
	jr, err := journal.Open(path, true)
	require.NoError(t, err)

	a := types.Job{ID: "job-a", State: types.StateCreated}
	b := types.Job{ID: "job-b", State: types.StateCreated}
	_, err = jr.Append(journal.EntryCreated, a, "", "")
	require.NoError(t, err)
	_, err = jr.Append(journal.EntryCreated, b, "", "")
	require.NoError(t, err)
	a.State = types.StateFailed
	_, err = jr.Append(journal.EntryFailed, a, types.PhaseOffline, "out of memory")
	require.NoError(t, err)
	require.NoError(t, jr.Close())

	var all bytes.Buffer
	require.NoError(t, printJournal(path, "", &all))
	lines := strings.Split(strings.TrimSpace(all.String()), "\n")
	assert.Len(t, lines, 3)

	var onlyA bytes.Buffer
	require.NoError(t, printJournal(path, "job-a", &onlyA))
	out := onlyA.String()
	assert.NotContains(t, out, "job-b")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "out of memory")
}

func TestJournalCommandUsesConfiguredPath(t *testing.T) {
	dir := t.TempDir()
	journalPath := filepath.Join(dir, "journal.log")
	jr, err := journal.Open(journalPath, false)
	require.NoError(t, err)
	_, err = jr.Append(journal.EntryCreated, types.Job{ID: "job-1", State: types.StateCreated}, "", "")
	require.NoError(t, err)
	require.NoError(t, jr.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("journal:\n  path: "+journalPath+"\n"), 0644))

	root := BuildCLI()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "journal"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "job-1")
	assert.Contains(t, out.String(), "CREATED")
}

func TestShowStatus(t *testing.T) {
	cfg := testConfig(t)

	var empty bytes.Buffer
	require.NoError(t, showStatus(cfg, &empty))
	assert.Contains(t, empty.String(), "MPC Orchestrator Status")
	assert.Contains(t, empty.String(), "demo: 3 parties")
	assert.Contains(t, empty.String(), "(empty)")
	assert.Contains(t, empty.String(), "Disabled")

	jr, err := journal.Open(cfg.Journal.Path, false)
	require.NoError(t, err)
	for _, id := range []types.JobID{"a", "b"} {
		_, err = jr.Append(journal.EntryCreated, types.Job{ID: id, State: types.StateCreated}, "", "")
		require.NoError(t, err)
	}
	require.NoError(t, jr.Close())

	var full bytes.Buffer
	require.NoError(t, showStatus(cfg, &full))
	assert.Contains(t, full.String(), "Jobs:  2")
	assert.Regexp(t, `CREATED\s+2`, full.String())
}
