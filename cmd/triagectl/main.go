// Package main implements triagectl, the operator CLI for the triaged HTTP API.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags shared by every command.
type options struct {
	server string
	output string
	out    io.Writer
}

func (o *options) client() *apiClient {
	return newAPIClient(o.server)
}

func (o *options) print(v any) error {
	return render(o.out, o.output, v)
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	root := &cobra.Command{
		Use:   "triagectl",
		Short: "CLI for triaged HTTP server operations",
		Long: `triagectl is a command-line interface for the triaged HTTP server.
It processes tickets, inspects history and statistics, and manages the
agents, the knowledge base and duplicate tracking.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.output != "json" && opts.output != "yaml" {
				return fmt.Errorf("--output must be json or yaml, got %q", opts.output)
			}
			return nil
		},
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:8000", "triaged server URL")
	root.PersistentFlags().StringVarP(&opts.output, "output", "o", "json", "output format: json or yaml")

	root.AddCommand(
		newHealthCmd(opts),
		newTicketsCmd(opts),
		newProcessCmd(opts),
		newFeedbackCmd(opts),
		newHistoryCmd(opts),
		newStatsCmd(opts),
		newAgentsCmd(opts),
		newKnowledgeCmd(opts),
		newValidationCmd(opts),
		newVersionCmd(opts),
	)
	return root
}
