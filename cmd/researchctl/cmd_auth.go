package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Kocoro-lab/research-copilot/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed bearer token for development",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				return errors.New("--secret or JWT_SECRET is required")
			}
			tok, err := auth.NewJWTManager(secret, ttl).Issue(subject, scopes)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HS256 signing secret (auth.jwt_secret)")
	f.StringVar(&subject, "subject", "dev", "Token subject")
	f.StringSliceVar(&scopes, "scopes", auth.DefaultScopes, "Granted scopes")
	f.DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Hash an API key for auth.api_key_hashes, generating one if omitted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			key := ""
			if len(args) == 1 {
				key = strings.TrimSpace(args[0])
			}
			if key == "" {
				key = "rk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				fmt.Fprintf(out, "key:  %s\n", key)
			}
			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "hash: %s\n", hash)
			return nil
		},
	}
}
