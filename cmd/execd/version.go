package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carlosprados/execd/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the execd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "execd %s (%s)\n", version.Version, version.Commit)
			return err
		},
	}
}
