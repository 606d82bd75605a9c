// researchctl drives a research service from the command line.
//
// Usage:
//
//	researchctl ask "Compare Acme and Globex revenue" [--provider=groq] [--max-iterations=3]
//	researchctl status <session-id>
//	researchctl cancel <session-id>
//	researchctl fetch <artifact-ref> -o slides.md
//	researchctl run "Compare Acme and Globex revenue"
//	researchctl token --subject=alice
//	researchctl hash-key [key]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

type globalFlags struct {
	server string
	token  string
	apiKey string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "researchctl",
		Short:         "Submit and follow research sessions",
		Long:          "researchctl submits questions to a research service, follows their\nprogress and downloads generated documents.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&g.server, "server", envOr("RESEARCH_SERVER", "http://localhost:8081"), "Research service base URL")
	f.StringVar(&g.token, "token", os.Getenv("RESEARCH_TOKEN"), "Bearer token")
	f.StringVar(&g.apiKey, "api-key", os.Getenv("RESEARCH_API_KEY"), "API key")

	root.AddCommand(
		newAskCmd(&g),
		newStatusCmd(&g),
		newCancelCmd(&g),
		newFetchCmd(&g),
		newRunCmd(),
		newTokenCmd(),
		newHashKeyCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (g *globalFlags) client() *apiClient {
	return newAPIClient(g.server, g.token, g.apiKey)
}
