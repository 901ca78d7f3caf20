package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codebundle/internal/bundle"
)

func newChangesCmd(flags *globalFlags) *cobra.Command {
	rf := &requestFlags{}
	var all bool
	cmd := &cobra.Command{
		Use:   "changes [path]",
		Short: "Show files changed since the last upload",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(flags)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.svc.Changes(cmd.Context(), rf.request(workspaceArg(args)))
			if err != nil {
				return err
			}
			return a.print(cmd, res, func() {
				for _, r := range res.Records {
					if r.Status == bundle.StatusSame && !all {
						continue
					}
					cmd.Printf("%-9s %s\n", r.Status, r.Path)
				}
				cmd.Printf("created %d, modified %d, deleted %d, same %d\n",
					res.Summary[bundle.StatusCreated],
					res.Summary[bundle.StatusModified],
					res.Summary[bundle.StatusDeleted],
					res.Summary[bundle.StatusSame])
			})
		},
	}
	rf.register(cmd)
	cmd.Flags().BoolVar(&all, "all", false, "also list unchanged files")
	return cmd
}
