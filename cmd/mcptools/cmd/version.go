package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/spachava753/mcptools/mcp"
)

var (
	// Version is the mcptools version, set at build time.
	Version = "0.1.0"
	// GitCommit is the git commit hash, set at build time.
	GitCommit = "dev"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mcptools %s\n", Version)
			fmt.Fprintf(out, "  Git commit:       %s\n", GitCommit)
			fmt.Fprintf(out, "  Protocol version: %s\n", mcp.ProtocolVersion)
			fmt.Fprintf(out, "  Go version:       %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:          %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
