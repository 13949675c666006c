package main

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// buildInfo describes how the binary was built
type buildInfo struct {
	Package    string
	GoVersion  string
	Commit     string
	CommitTime string
	Modified   bool
}

func (b buildInfo) String() string {
	if b.GoVersion == "" {
		return "mepreproc (no build information)"
	}

	s := fmt.Sprintf("%s built with %s", b.Package, b.GoVersion)
	if b.Commit != "" {
		s += fmt.Sprintf(" at commit %s (%s)", b.Commit, b.CommitTime)
	}
	if b.Modified {
		s += ", with local modifications"
	}
	return s
}

func readBuildInfo() buildInfo {
	var out buildInfo

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}

	out.GoVersion = bi.GoVersion
	out.Package = bi.Path
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			out.Commit = s.Value
		case "vcs.time":
			out.CommitTime = s.Value
		case "vcs.modified":
			out.Modified = s.Value == "true"
		}
	}

	return out
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), readBuildInfo())
	},
}
