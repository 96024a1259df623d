package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(os.Stdout)
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string // daemon config, used by serve
	APIUrl     string
	APITimeout time.Duration
	WSPath     string
	Insecure   bool
	CACert     string
}

func buildRoot(out io.Writer) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.SetOut(out)

	c := command{flags: globalFlags}
	root.AddCommand(
		createServeCommand(globalFlags),
		createScriptCommand(c),
		createExecCommand(c),
		createWatchCommand(c),
		createExecutionsCommand(c),
		createStatsCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "scriptd",
		Short: "Store shell scripts, run them and follow their output live",
		Long: `scriptd keeps a library of shell scripts, runs them on request and
streams their output over WebSocket while recording every execution.

Examples:
  scriptd serve --config=scriptd.toml
  scriptd script create --name=backup --file=backup.sh --tag=nightly
  scriptd exec <script-id> --watch
  scriptd executions --script-id=<script-id> --limit=20
  scriptd stats --api-url=http://remote:8080/api`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	pf.StringVar(&flags.APIUrl, "api-url", "http://localhost:8080/api", "daemon REST base URL")
	pf.DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	pf.StringVar(&flags.WSPath, "ws-path", "/ws", "daemon WebSocket prefix")
	pf.BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	pf.StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https daemon")
	return root
}
