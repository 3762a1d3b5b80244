package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/danmuck/pktlink/internal/admin"
	"github.com/spf13/cobra"
)

// Set at build time.
var (
	commit = "none"
	date   = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "pktlink: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pktlink",
		Short: "Typed packets over TCP",
		Long: `pktlink runs the demo server and client of the packet engine.

The server greets every connection and closes the ones that go quiet.
The client greets the server, sends keepalives while idle, and
reconnects after a fixed delay.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		connectCmd(),
		configCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			if short {
				fmt.Fprintln(out, admin.Version)
				return
			}
			fmt.Fprintf(out, "pktlink %s\n", admin.Version)
			fmt.Fprintf(out, "  Commit:     %s\n", commit)
			fmt.Fprintf(out, "  Built:      %s\n", date)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
