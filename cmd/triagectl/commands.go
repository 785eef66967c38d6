package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

func newHealthCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check triaged server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := o.client().call(cmd.Context(), http.MethodGet, "/api/health", nil, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
}

func newTicketsCmd(o *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "List tickets from the configured repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			resp, err := o.client().call(cmd.Context(), http.MethodGet, "/api/tickets", q, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of tickets (1-100)")
	return cmd
}

func newProcessCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "process <ticket-number>",
		Short: "Process a ticket through the triage pipeline",
		Long: `Process a ticket through the triage pipeline and print the drafted reply,
summary, SLA status and pipeline timings.

Examples:
  # Process ticket 42
  triagectl process 42

  # Against a different server, as YAML
  triagectl process 42 --server http://triage:8000 -o yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{"ticket_number": {args[0]}}
			resp, err := o.client().call(cmd.Context(), http.MethodPost, "/api/process-ticket", q, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
}

func newFeedbackCmd(o *options) *cobra.Command {
	var (
		success     bool
		successRate float64
	)
	cmd := &cobra.Command{
		Use:   "feedback <ticket-number>",
		Short: "Report how well the reply to a processed ticket worked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("ticket number must be a positive integer, got %q", args[0])
			}
			body := map[string]any{"ticket_number": n, "success": success}
			if cmd.Flags().Changed("success-rate") {
				body["success_rate"] = successRate
			}
			resp, err := o.client().call(cmd.Context(), http.MethodPost, "/api/feedback", nil, body)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
	cmd.Flags().BoolVar(&success, "success", true, "whether the reply resolved the ticket")
	cmd.Flags().Float64Var(&successRate, "success-rate", 1.0, "observed success rate between 0 and 1")
	return cmd
}

func newHistoryCmd(o *options) *cobra.Command {
	var (
		search string
		export string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show, search, export or clear the session history",
		Long: `Show the session history of processed tickets.

Examples:
  triagectl history
  triagectl history --search login
  triagectl history --export history.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := o.client()
			if export != "" {
				raw, err := c.download(cmd.Context(), "/api/history/export")
				if err != nil {
					return err
				}
				if export == "-" {
					_, err = o.out.Write(raw)
					return err
				}
				if err := writeFile(export, raw); err != nil {
					return err
				}
				fmt.Fprintf(o.out, "History exported to %s\n", export)
				return nil
			}
			path, q := "/api/history", url.Values(nil)
			if search != "" {
				path, q = "/api/history/search", url.Values{"q": {search}}
			}
			resp, err := c.call(cmd.Context(), http.MethodGet, path, q, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "only entries matching this text")
	cmd.Flags().StringVar(&export, "export", "", "write the history as JSON to this file (- for stdout)")
	cmd.MarkFlagsMutuallyExclusive("search", "export")

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Clear the session history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := o.client().call(cmd.Context(), http.MethodPost, "/api/history/clear", nil, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	})
	return cmd
}

func newStatsCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show session statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := o.client().call(cmd.Context(), http.MethodGet, "/api/statistics", nil, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
}

// getter builds a leaf command issuing a single request.
func getter(o *options, use, short, method, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := o.client().call(cmd.Context(), method, path, nil, nil)
			if err != nil {
				return err
			}
			return o.print(resp)
		},
	}
}

func newAgentsCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect the agent pipeline",
	}
	cmd.AddCommand(
		getter(o, "status", "Show agent status and performance", http.MethodGet, "/api/agents/status"),
		getter(o, "health", "Show agent health", http.MethodGet, "/api/agents/health"),
		getter(o, "optimize", "Run agent optimization", http.MethodGet, "/api/agents/optimize"),
	)
	return cmd
}

func newKnowledgeCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage the knowledge base",
	}
	cmd.AddCommand(
		getter(o, "stats", "Show knowledge base statistics", http.MethodGet, "/api/knowledge/stats"),
		getter(o, "export", "Export the knowledge base on the server", http.MethodPost, "/api/knowledge/export"),
		getter(o, "cleanup", "Remove old knowledge base records", http.MethodPost, "/api/knowledge/cleanup"),
	)
	return cmd
}

func newValidationCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validation",
		Short: "Inspect ticket validation and duplicate tracking",
	}
	cmd.AddCommand(
		getter(o, "status", "Show processed tickets and validation limits", http.MethodGet, "/api/validation/status"),
		getter(o, "clear", "Forget processed tickets so they can be processed again", http.MethodPost, "/api/validation/clear-processed"),
	)
	return cmd
}

func newVersionCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the triagectl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(o.out, "triagectl %s\n", version)
			return err
		},
	}
}
