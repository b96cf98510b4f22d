package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ricochet1k/termtabs/internal/apiclient"
)

func serverFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "server", "", "server URL (default: client.server_url from config)")
}

func (o *rootOptions) client(server string) (*apiclient.Client, error) {
	if server == "" {
		cfg, err := o.load()
		if err != nil {
			return nil, err
		}
		server = cfg.Client.ServerURL
	}
	return apiclient.New(server, nil), nil
}

func newSessionsCommand(root *rootOptions) *cobra.Command {
	var server string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List live sessions on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := root.client(server)
			if err != nil {
				return err
			}
			sessions, err := c.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(sessions)
			}
			if len(sessions) == 0 {
				fmt.Fprintln(out, "no sessions")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tTYPE\tATTACHED\tCREATED\tTERMINAL")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\n", s.SessionName, s.TerminalType, s.Attached, s.CreatedAt.Local().Format(time.DateTime), s.TerminalID)
			}
			return tw.Flush()
		},
	}
	serverFlag(cmd, &server)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newKillCommand(root *rootOptions) *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "kill <session>...",
		Short: "Kill sessions by name or terminal id",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := root.client(server)
			if err != nil {
				return err
			}
			for _, name := range args {
				if err := c.Kill(cmd.Context(), name); err != nil {
					return fmt.Errorf("kill %s: %w", name, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), "killed", name)
			}
			return nil
		},
	}
	serverFlag(cmd, &server)
	return cmd
}
