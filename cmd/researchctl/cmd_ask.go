package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/research-copilot/internal/server"
	"github.com/Kocoro-lab/research-copilot/internal/streaming"
)

type submitFlags struct {
	provider      string
	maxIterations int
	quiet         bool
}

func (f *submitFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.provider, "provider", "", "LLM provider override (groq or ollama)")
	fl.IntVar(&f.maxIterations, "max-iterations", 0, "Retrieval passes before the answer (1-5)")
	fl.BoolVarP(&f.quiet, "quiet", "q", false, "Print only the final answer")
}

func (f *submitFlags) request(args []string) server.SubmitRequest {
	return server.SubmitRequest{
		Query:         strings.Join(args, " "),
		Provider:      f.provider,
		MaxIterations: f.maxIterations,
	}
}

func newAskCmd(g *globalFlags) *cobra.Command {
	var f submitFlags
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Submit a question to the server and follow it to the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c := g.client()
			out := cmd.OutOrStdout()

			res, err := c.Submit(ctx, f.request(args))
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			if !f.quiet {
				fmt.Fprintf(out, "Session %s\n", res.SessionID)
			}
			err = c.Stream(ctx, res.SessionID, func(ev streaming.Event) {
				if !f.quiet {
					printEvent(out, ev)
				}
			})
			if err != nil {
				return fmt.Errorf("stream: %w", err)
			}
			view, err := c.Status(ctx, res.SessionID)
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			return printResult(out, view, f.quiet)
		},
	}
	f.register(cmd)
	return cmd
}

func printEvent(w io.Writer, ev streaming.Event) {
	switch {
	case ev.NodeName != "":
		fmt.Fprintf(w, "[%3d] %-14s %-9s %s\n", ev.ID, ev.Type, ev.NodeName, ev.Message)
	default:
		fmt.Fprintf(w, "[%3d] %-14s %s\n", ev.ID, ev.Type, ev.Message)
	}
}

// printResult prints the answer of a finished session, or returns its error.
func printResult(w io.Writer, v server.StatusView, quiet bool) error {
	if v.Error != nil {
		return fmt.Errorf("research failed (%s): %s", v.Error.Kind, v.Error.Message)
	}
	if quiet {
		fmt.Fprintln(w, v.FinalResponse)
		return nil
	}
	fmt.Fprintf(w, "\n%s\n\n", v.FinalResponse)
	fmt.Fprintf(w, "Sources:   %s\n", strings.Join(v.SourcesUsed, ", "))
	fmt.Fprintf(w, "Quality:   %.2f after %d iteration(s)\n", v.QualityScore, v.Iterations)
	if v.Degraded {
		fmt.Fprintln(w, "Degraded:  quality threshold not reached")
	}
	if v.ArtifactRef != "" {
		fmt.Fprintf(w, "Artifact:  %s (%s)\n", v.ArtifactRef, v.ArtifactURL)
	}
	return nil
}
