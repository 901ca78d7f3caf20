package main

import (
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	jsonOutput bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "codebundle",
		Short: "Content-addressed workspace bundling",
		Long: `codebundle walks a workspace honoring .gitignore and .dcignore files,
hashes every eligible file, diffs the result against the last uploaded
manifest and uploads only what changed, split into size-bounded chunks.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (default ~/.config/codebundle/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level override (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format override (json, console)")
	pf.BoolVar(&flags.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		newScanCmd(flags),
		newChangesCmd(flags),
		newPayloadCmd(flags),
		newServeCmd(flags),
		newWatchCmd(flags),
		newIgnoreCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("codebundle %s\n", version)
		},
	}
}

// workspaceArg returns the first positional argument or ".".
func workspaceArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}
