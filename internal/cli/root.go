// Package cli implements the ContextGuard command-line interface using cobra.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/contextguard/contextguard/internal/config"
	"github.com/contextguard/contextguard/internal/gateway"
	"github.com/contextguard/contextguard/internal/remote"
)

// Version is set at build time via ldflags.
var Version = "0.1.0-dev"

// ExitError carries the child process's exit code out of the CLI so main
// can propagate it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd().Execute()
}

func rootCmd() *cobra.Command {
	var serverCommand string
	var configFile string

	cmd := &cobra.Command{
		Use:   "contextguard --server \"<command>\" [--config <path>]",
		Short: "Transparent security gateway for MCP servers",
		Long: `ContextGuard is a transparent security gateway for MCP servers. It sits
between an MCP client and an MCP server, inspecting every newline-delimited JSON-RPC message in both directions. Requests that
trigger the security policy (prompt injection, sensitive data, dangerous file
paths, rate limits) are blocked with a JSON-RPC error; everything else is
forwarded byte-for-byte.

Examples:
  contextguard --server "npx -y @modelcontextprotocol/server-filesystem /tmp"
  contextguard --server "python my_server.py" --config policy.json

Claude Desktop config:
  {
    "mcpServers": {
      "filesystem": {
        "command": "contextguard",
        "args": ["--server", "npx -y @modelcontextprotocol/server-filesystem /tmp"]
      }
    }
  }

Set SUPABASE_URL, SUPABASE_SERVICE_KEY, and optionally AGENT_ID to mirror
events to a remote dashboard and load the agent's remote policy at startup.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if serverCommand == "" {
				// No arguments at all prints usage and exits cleanly;
				// anything else without --server is an error.
				if !cmd.Flags().Changed("config") && len(args) == 0 {
					return cmd.Help()
				}
				return errors.New("missing required --server flag")
			}

			argv := strings.Fields(serverCommand)
			if len(argv) == 0 {
				return errors.New("--server command is empty")
			}

			cfg := config.Defaults()
			if configFile != "" {
				loaded, err := config.Load(configFile)
				if err != nil {
					return err
				}
				cfg = loaded
			}

			ctx, cancel := signal.NotifyContext(
				context.Background(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			return runGateway(ctx, cfg, configFile, argv)
		},
	}

	cmd.Flags().StringVarP(&serverCommand, "server", "s", "", "MCP server command to spawn (split on whitespace)")
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "policy file path (JSON, or YAML by extension)")

	return cmd
}

// runGateway wires the remote adapter, policy hot-reload, and the gateway
// itself, then propagates the child's exit code.
func runGateway(ctx context.Context, cfg *config.Config, configFile string, argv []string) error {
	var opts []gateway.Option

	store := remote.NewFromEnv()
	if store != nil {
		defer store.Close()
		opts = append(opts, gateway.WithRemote(store, store.AgentID()))
		fmt.Fprintf(os.Stderr, "contextguard: remote dashboard enabled (agent %s)\n", store.AgentID())
	}

	gw := gateway.New(cfg, opts...)

	// Hot-reload: every valid change to the policy file swaps the gateway's
	// engine in place. Losing the watcher only loses reloads, so it is not
	// fatal.
	if configFile != "" {
		watcher, err := config.WatchFile(configFile, gw.Reload)
		if err != nil {
			fmt.Fprintf(os.Stderr, "contextguard: policy hot-reload unavailable: %v\n", err)
		} else {
			defer watcher.Close()
		}
	}

	code, err := gw.Run(ctx, argv, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}
