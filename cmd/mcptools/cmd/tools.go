package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func toolsCmd(p *params) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools of every configured server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := p.session(cmd)
			if err != nil {
				return err
			}
			defer s.registry.Close()

			if err := s.register(cmd); err != nil {
				return err
			}

			specs := s.registry.Tools()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(specs)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
			for _, spec := range specs {
				fmt.Fprintf(w, "%s\t%s\t%s\n", spec.Name, spec.Server, firstLine(spec.Description))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print tool specs, including parameter schemas, as JSON")
	return cmd
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
