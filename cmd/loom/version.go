package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Example: `  loom version
  loom version --output json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":   version,
				"commit":    commit,
				"buildDate": buildDate,
				"goVersion": goVersion,
			}
			if a.output != textFormat {
				return encode(cmd.OutOrStdout(), a.output, info)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "loom version %s\n", version)
			if version != "dev" {
				fmt.Fprintf(w, "  commit:     %s\n", commit)
				fmt.Fprintf(w, "  built:      %s\n", buildDate)
				fmt.Fprintf(w, "  go version: %s\n", goVersion)
			}
			return nil
		},
	}
}
