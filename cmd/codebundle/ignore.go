package main

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/codebundle/internal/ignore"
)

func newIgnoreCmd(_ *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore",
		Short: "Manage ignore files",
	}
	cmd.AddCommand(newIgnoreInitCmd())
	return cmd
}

func newIgnoreInitCmd() *cobra.Command {
	var (
		template string
		force    bool
	)
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create a default .dcignore",
		Long: `Write a .dcignore into the workspace. With --template the file is a copy
of the template, otherwise it holds a commented header.

Examples:
  codebundle ignore init
  codebundle ignore init ~/src/project --template ~/templates/dcignore`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(workspaceArg(args))
			if err != nil {
				return err
			}
			fsys := osfs.New("/")

			target := filepath.Join(dir, ignore.DCIgnoreFilename)
			if _, err := fsys.Stat(target); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", target)
			}

			if template != "" {
				if template, err = filepath.Abs(template); err != nil {
					return err
				}
			}
			written, err := ignore.WriteDefault(fsys, dir, template)
			if err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", written)
			return nil
		},
	}
	cmd.Flags().StringVar(&template, "template", "", "copy this file instead of writing the default header")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing .dcignore")
	return cmd
}
