package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/mpc-orchestrator/internal/catalog"
	"github.com/ChuLiYu/mpc-orchestrator/internal/config"
	"github.com/ChuLiYu/mpc-orchestrator/internal/server"
	"github.com/ChuLiYu/mpc-orchestrator/internal/storage/journal"
	"github.com/ChuLiYu/mpc-orchestrator/pkg/types"
)

// ============================================================================
// Client commands
// ============================================================================

// dial connects to addr, or to the configured gRPC port when addr is empty.
func dial(addr string) (*grpc.ClientConn, *server.Client, error) {
	if addr == "" {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, nil, err
		}
		addr = fmt.Sprintf("localhost:%d", cfg.Server.GRPCPort)
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, server.NewClient(conn), nil
}

func buildSubmitCommand() *cobra.Command {
	var paramFile, netconfig, addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a computation and follow its phases",
		Long: `Create a job on the given netconfig, submit the parameters read from
--file, and print every phase event until the result is available.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(paramFile)
			if err != nil {
				return fmt.Errorf("failed to read parameter file: %w", err)
			}
			var params map[string]interface{}
			if err := json.Unmarshal(data, &params); err != nil {
				return fmt.Errorf("failed to parse parameter file: %w", err)
			}

			conn, client, err := dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			_, err = runComputation(ctx, client, netconfig, params, cmd.OutOrStdout())
			return err
		},
	}

	cmd.Flags().StringVarP(&paramFile, "file", "f", "", "JSON file with computation parameters")
	cmd.Flags().StringVarP(&netconfig, "netconfig", "n", "demo", "netconfig id")
	cmd.Flags().StringVar(&addr, "addr", "", "orchestrator gRPC address (default: localhost:<server.grpc_port>)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "give up after this long")
	cmd.MarkFlagRequired("file")

	return cmd
}

// runComputation creates a job, subscribes before submitting so no event is
// missed, and prints events until the stream ends. It returns the final job.
func runComputation(ctx context.Context, client *server.Client, netconfig string, params map[string]interface{}, out io.Writer) (types.Job, error) {
	job, err := client.CreateJob(ctx, netconfig)
	if err != nil {
		return types.Job{}, fmt.Errorf("create job: %w", err)
	}
	fmt.Fprintf(out, "job %s created on %s\n", job.ID, netconfig)

	stream, err := client.Subscribe(ctx, job.ID)
	if err != nil {
		return job, fmt.Errorf("subscribe: %w", err)
	}

	if _, err := client.SubmitComputation(ctx, job.ID, params); err != nil {
		return job, fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(out, "computation validated\n")

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return job, fmt.Errorf("event stream: %w", err)
		}
		switch ev.Kind {
		case types.EventResultAvailable:
			fmt.Fprintf(out, "result: %s\n", ev.ResultLocator)
		case types.EventFailed:
			fmt.Fprintf(out, "failed in %s (%s %s): %s\n", ev.Phase, ev.ErrorKind, ev.ExecutorKind, ev.Error)
		default:
			fmt.Fprintf(out, "%-14s %6dms\n", ev.Phase, ev.ElapsedMs)
		}
	}

	final, err := client.GetJob(ctx, job.ID)
	if err != nil {
		return job, err
	}
	if final.State == types.StateFailed {
		return final, fmt.Errorf("computation failed in %s: %s", final.FailedPhase, final.FailureMessage)
	}
	return final, nil
}

func buildDatasetsCommand() *cobra.Command {
	var addr, prefix string
	var owner int

	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "List private datasets",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, client, err := dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			filter := catalog.Filter{NamePrefix: prefix}
			if cmd.Flags().Changed("owner") {
				filter.OwnerID = &owner
			}
			datasets, err := client.ListDatasets(cmd.Context(), filter)
			if err != nil {
				return err
			}
			printDatasets(cmd.OutOrStdout(), datasets)
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "orchestrator gRPC address")
	cmd.Flags().StringVar(&prefix, "prefix", "", "only names with this prefix")
	cmd.Flags().IntVar(&owner, "owner", 0, "only datasets of this owner")
	return cmd
}

func printDatasets(out io.Writer, datasets []catalog.Dataset) {
	if len(datasets) == 0 {
		fmt.Fprintln(out, "no datasets")
		return
	}
	for _, d := range datasets {
		fmt.Fprintf(out, "%-4d %-20s %6d rows  %s\n", d.OwnerID, d.Name, d.Rows, d.Description)
	}
}

func buildHeadersCommand() *cobra.Command {
	var addr, name string
	var owner int

	cmd := &cobra.Command{
		Use:   "headers",
		Short: "List the headers of one dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, client, err := dial(addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			headers, err := client.ListHeaders(cmd.Context(), catalog.DatasetRef{OwnerID: owner, Name: name})
			if err != nil {
				return err
			}
			for _, h := range headers {
				fmt.Fprintln(cmd.OutOrStdout(), h)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "orchestrator gRPC address")
	cmd.Flags().StringVar(&name, "name", "", "dataset name")
	cmd.Flags().IntVar(&owner, "owner", 0, "dataset owner id")
	cmd.MarkFlagRequired("name")
	return cmd
}

// ============================================================================
// Local commands
// ============================================================================

func buildJournalCommand() *cobra.Command {
	var path, jobID string

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Replay the lifecycle journal",
		Long:  "Print journal entries in order, verifying checksums and sequence continuity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				cfg, err := config.Load(configFile)
				if err != nil {
					return err
				}
				path = cfg.Journal.Path
			}
			if path == "" {
				return errors.New("no journal configured (journal.path) and no --path given")
			}
			return printJournal(path, types.JobID(jobID), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "journal file (default: journal.path from config)")
	cmd.Flags().StringVar(&jobID, "job", "", "only entries of this job")
	return cmd
}

func printJournal(path string, jobID types.JobID, out io.Writer) error {
	return journal.ReplayFile(path, func(e journal.Entry) error {
		if jobID != "" && e.JobID != jobID {
			return nil
		}
		ts := time.UnixMilli(e.Timestamp).Format(time.RFC3339)
		fmt.Fprintf(out, "%6d %s %-15s %s %-14s %s", e.Seq, ts, e.Type, e.JobID, e.State, e.Phase)
		if e.Detail != "" {
			fmt.Fprintf(out, " %s", e.Detail)
		}
		fmt.Fprintln(out)
		return nil
	})
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show system status",
		Long:  "Display the configuration and a summary of the lifecycle journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return showStatus(cfg, cmd.OutOrStdout())
		},
	}
}

func showStatus(cfg *config.Config, out io.Writer) error {
	fmt.Fprintln(out, "╔═══════════════════════════════════════════════════════════╗")
	fmt.Fprintln(out, "║           MPC Orchestrator Status                         ║")
	fmt.Fprintln(out, "╚═══════════════════════════════════════════════════════════╝")
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📋 Configuration:")
	fmt.Fprintf(out, "  ├─ Config File:     %s\n", configFile)
	fmt.Fprintf(out, "  ├─ gRPC Port:       %d\n", cfg.Server.GRPCPort)
	fmt.Fprintf(out, "  ├─ HTTP Port:       %d (namespace %s)\n", cfg.Server.HTTPPort, cfg.Server.Namespace)
	fmt.Fprintf(out, "  ├─ Result Base URL: %s\n", cfg.Server.ResultBaseURL)
	fmt.Fprintf(out, "  ├─ Phase Timeout:   %s\n", cfg.Jobs.PhaseTimeout)
	fmt.Fprintf(out, "  └─ Retention:       %s\n", cfg.Jobs.Retention)
	fmt.Fprintln(out)

	fmt.Fprintln(out, "🌐 Netconfigs:")
	for _, nc := range cfg.NetConfigs {
		fmt.Fprintf(out, "  └─ %s: %d parties, types %v\n", nc.ID, nc.Parties, nc.ComputationTypes)
	}
	fmt.Fprintf(out, "  Datasets in catalog: %d\n", len(cfg.Datasets))
	fmt.Fprintln(out)

	fmt.Fprintln(out, "💾 Journal:")
	if cfg.Journal.Path == "" {
		fmt.Fprintln(out, "  └─ Disabled")
	} else if _, err := os.Stat(cfg.Journal.Path); os.IsNotExist(err) {
		fmt.Fprintf(out, "  └─ %s (empty)\n", cfg.Journal.Path)
	} else {
		counts := make(map[journal.EntryType]int)
		jobs := make(map[types.JobID]bool)
		err := journal.ReplayFile(cfg.Journal.Path, func(e journal.Entry) error {
			counts[e.Type]++
			jobs[e.JobID] = true
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}
		fmt.Fprintf(out, "  ├─ Path:  %s\n", cfg.Journal.Path)
		fmt.Fprintf(out, "  ├─ Jobs:  %d\n", len(jobs))
		kinds := make([]string, 0, len(counts))
		for k := range counts {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(out, "  │  └─ %-15s %d\n", k, counts[journal.EntryType(k)])
		}
	}
	fmt.Fprintln(out)

	fmt.Fprintln(out, "📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  └─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  └─ Status: ⚠️  Disabled")
	}
	return nil
}
