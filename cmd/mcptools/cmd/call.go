package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/spachava753/mcptools"
)

func callCmd(p *params) *cobra.Command {
	var argsFile string
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool by its local name",
		Long: `Call a tool by the local name shown by "mcptools tools".

Arguments are a JSON object, given as the second argument or read from
--args-file ("-" reads standard input). Schema defaults are applied and the
arguments are validated before the server is contacted.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readArguments(cmd, args, argsFile)
			if err != nil {
				return err
			}

			s, err := p.session(cmd)
			if err != nil {
				return err
			}
			defer s.registry.Close()

			if err := s.register(cmd); err != nil {
				return err
			}

			result, err := s.registry.Call(cmd.Context(), args[0], raw)
			if err != nil {
				var notFound mcptools.ToolNotFoundErr
				if errors.As(err, &notFound) {
					return fmt.Errorf("%w (run \"mcptools tools\" to list local names)", err)
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().StringVar(&argsFile, "args-file", "", "read JSON arguments from a file, or - for stdin")
	return cmd
}

func readArguments(cmd *cobra.Command, args []string, file string) (json.RawMessage, error) {
	var raw []byte
	switch {
	case len(args) == 2 && file != "":
		return nil, fmt.Errorf("pass arguments inline or with --args-file, not both")
	case len(args) == 2:
		raw = []byte(args[1])
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("read arguments: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read arguments: %w", err)
		}
		raw = b
	}
	if len(raw) > 0 && !json.Valid(raw) {
		return nil, fmt.Errorf("arguments are not valid JSON")
	}
	return raw, nil
}
