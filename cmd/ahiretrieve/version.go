package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var deps bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ahiretrieve version %s, commit %s, built at %s\n", version, commit, date)
			if !deps {
				return
			}
			info, ok := debug.ReadBuildInfo()
			if !ok {
				return
			}
			for _, d := range info.Deps {
				fmt.Fprintf(out, " + %s %s\n", d.Path, d.Version)
			}
		},
	}
	cmd.Flags().BoolVar(&deps, "deps", false, "Also list dependency versions")
	return cmd
}
