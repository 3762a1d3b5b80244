package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danmuck/pktlink/internal/config"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate client and server config files",
	}
	cmd.AddCommand(configInitCmd(), configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var (
		kind   string
		output string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := output
			if target == "" {
				target = kind + ".toml"
			}
			if err := config.WriteTemplate(target, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config to %s\n", kind, target)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "server", "config kind: client|server")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output path (defaults to <kind>.toml)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load a config file and report problems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if kind == "" {
				kind = guessKind(path)
			}
			var err error
			switch kind {
			case "client":
				_, err = config.LoadClient(path)
			case "server":
				_, err = config.LoadServer(path)
			default:
				return fmt.Errorf("unknown kind: %s", kind)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s config at %s\n", kind, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "config kind: client|server (guessed from the file name)")
	return cmd
}

func guessKind(path string) string {
	if strings.Contains(strings.ToLower(filepath.Base(path)), "client") {
		return "client"
	}
	return "server"
}
