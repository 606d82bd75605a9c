package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/research-copilot/internal/app"
	"github.com/Kocoro-lab/research-copilot/internal/config"
)

func newRunCmd() *cobra.Command {
	var (
		f         submitFlags
		configDir string
		verbose   bool
	)
	cmd := &cobra.Command{
		Use:   "run <question>",
		Short: "Run a research session in-process, without a server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = l
				defer logger.Sync()
			}
			cfg, err := config.Load(configDir)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = a.Shutdown(sctx)
			}()

			res, err := a.Service.Submit(ctx, f.request(args))
			if err != nil {
				return err
			}
			bus, err := a.Service.Events(ctx, res.SessionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			sub := bus.Subscribe(0)
			defer bus.Unsubscribe(sub)
			if !f.quiet {
				for _, ev := range sub.Backlog {
					printEvent(out, ev)
				}
			}
			for ev := range sub.C {
				if !f.quiet {
					printEvent(out, ev)
				}
			}
			view, err := a.Service.Wait(ctx, res.SessionID)
			if err != nil {
				return fmt.Errorf("wait: %w", err)
			}
			return printResult(out, view, f.quiet)
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&configDir, "config", config.Dir(), "Configuration directory")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity to stderr")
	return cmd
}
