// Command termtabs serves tmux-backed terminal sessions over WebSocket and
// provides a few client commands against a running server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/termtabs/internal/config"
)

var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return cfg, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "termtabs",
		Short: "Terminal tabs backed by tmux sessions",
		Long: `termtabs keeps shells and coding agents running in tmux sessions and
streams them to browser windows over WebSocket. Windows can detach and
reattach without losing the session.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: $XDG_CONFIG_HOME/termtabs/config.toml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log level: debug, info, warn, error")

	root.AddCommand(
		newServeCommand(opts),
		newSessionsCommand(opts),
		newKillCommand(opts),
		newWindowCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "termtabs %s (%s)\n", version, commit)
		},
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "termtabs:", err)
		os.Exit(1)
	}
}
