// Package cli builds the agentd command tree, grounded on the teacher's
// internal/cli.BuildCLI shape: a cobra root command with a persistent
// --config flag, a "run" subcommand that wires the whole process
// together and blocks on a shutdown signal, and read-only subcommands
// that talk to the already-running agent instead of duplicating its
// state.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/compute-node-agent/internal/config"
)

var configFile string

// RunFunc starts the full agent process and blocks until ctx is
// cancelled. cmd/agentd supplies the real implementation; keeping it as
// a parameter here avoids this package importing every subsystem
// package just to wire them together twice.
type RunFunc func(ctx context.Context, cfg *config.Config) error

// Build assembles the agentd root command. run is invoked by the "run"
// subcommand once the config file has loaded.
func Build(run RunFunc) *cobra.Command {
	root := &cobra.Command{
		Use:     "agentd",
		Short:   "Per-host compute node agent",
		Version: "1.0.0",
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/agent.yaml", "config file path")

	root.AddCommand(buildRunCommand(run))
	root.AddCommand(buildStatusCommand())
	root.AddCommand(buildSessionsCommand())
	return root
}

func buildRunCommand(run RunFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the node agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				cancel()
			}()

			return run(ctx, cfg)
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the running agent's node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			body, err := getJSON(cfg, "/node/1/status")
			if err != nil {
				return err
			}
			fmt.Println(body)
			return nil
		},
	}
}

func buildSessionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List the running agent's sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			body, err := getJSON(cfg, "/node/1/sessions")
			if err != nil {
				return err
			}
			fmt.Println(body)
			return nil
		},
	}
}

// getJSON queries the local agent's own HTTP surface and pretty-prints
// whatever JSON comes back; these subcommands are thin clients, not a
// second reader of the agent's in-process state.
func getJSON(cfg *config.Config, path string) (string, error) {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", cfg.HTTP.Port, path)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return "", fmt.Errorf("request to running agent failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var pretty any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return string(raw), nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return string(raw), nil
	}
	return string(out), nil
}
