package main

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show pocketz version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			version := Version
			commit := Commit

			if info, ok := debug.ReadBuildInfo(); ok {
				if version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
					version = info.Main.Version
				}
				for _, setting := range info.Settings {
					if setting.Key == "vcs.revision" && commit == "unknown" {
						commit = setting.Value
					}
				}
			}

			_, err := fmt.Fprintf(cmd.OutOrStdout(), "pocketz %s (commit %s, built %s, %s %s/%s)\n",
				version, commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
			return err
		},
	}
}
