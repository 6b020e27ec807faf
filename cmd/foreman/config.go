package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/foreman/internal/config"
)

func newConfigCmd(root *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}

	var project, force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			globalPath, projectPath, err := config.DefaultPaths()
			if err != nil {
				return err
			}
			path := globalPath
			if root.globalConfig != "" {
				path = root.globalConfig
			}
			if project {
				path = projectPath
				if root.projectConfig != "" {
					path = root.projectConfig
				}
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.Save(config.DefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&project, "project", false, "Write the project config instead of the global one")
	initCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")

	cmd.AddCommand(initCmd)
	return cmd
}
