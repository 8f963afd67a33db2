package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/spachava753/mcptools/mcp"
)

func serversCmd(p *params) *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "List configured servers and their identity keys",
		Long: `List configured servers with their transport and identity key. The key
prefixes the local name of every tool the server exposes.

With --connect each server is dialed and its tool count reported.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := p.session(cmd)
			if err != nil {
				return err
			}
			defer s.registry.Close()

			counts := map[string]int{}
			if connect {
				if err := s.register(cmd); err != nil {
					return err
				}
				for _, info := range s.registry.Servers() {
					counts[info.Key] = len(info.Tools)
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if connect {
				fmt.Fprintln(w, "NAME\tTRANSPORT\tKEY\tTOOLS")
			} else {
				fmt.Fprintln(w, "NAME\tTRANSPORT\tKEY")
			}
			for _, srv := range s.servers {
				key := mcp.KeyFor(srv.Config)
				if !connect {
					fmt.Fprintf(w, "%s\t%s\t%s\n", srv.Name, srv.Config.Transport(), key)
					continue
				}
				tools := "-"
				if n, ok := counts[key]; ok {
					tools = fmt.Sprint(n)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", srv.Name, srv.Config.Transport(), key, tools)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "connect to each server and count its tools")
	return cmd
}
