package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/session"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show the state of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := g.client().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), v, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON view")
	return cmd
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <session-id>",
		Short: "Cancel a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := g.client().Cancel(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s is %s\n", v.SessionID, v.Status)
			return nil
		},
	}
}

func newFetchCmd(g *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "fetch <artifact-ref>",
		Short: "Download a generated document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" || output == "-" {
				_, err := g.client().Fetch(cmd.Context(), args[0], cmd.OutOrStdout())
				return err
			}
			f, err := os.Create(output)
			if err != nil {
				return err
			}
			name, err := g.client().Fetch(cmd.Context(), args[0], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(output)
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Saved %s to %s\n", name, output)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination file (default stdout)")
	return cmd
}

func printStatus(w io.Writer, v server.StatusView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	fmt.Fprintf(w, "Session:   %s\n", v.SessionID)
	fmt.Fprintf(w, "Query:     %s\n", v.Query)
	fmt.Fprintf(w, "Status:    %s\n", v.Status)
	fmt.Fprintf(w, "Stage:     %s (iteration %d)\n", v.Progress.Stage, v.Progress.Iteration)
	switch v.Status {
	case session.StatusCompleted:
		return printResult(w, v, false)
	case session.StatusFailed:
		if v.Error != nil {
			fmt.Fprintf(w, "Error:     %s (%s)\n", v.Error.Message, v.Error.Kind)
		}
	}
	return nil
}
