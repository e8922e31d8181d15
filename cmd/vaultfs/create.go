package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
)

func (a *app) createCmd() *cobra.Command {
	var size sizeValue
	cmd := &cobra.Command{
		Use:   "create <container>",
		Short: "Create an empty container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if size == 0 {
				size = sizeValue(a.cfg.VolumeSize)
			}
			pw, err := a.password(true)
			if err != nil {
				return err
			}
			defer clear(pw)

			s, cleanup := a.startSpinner("Creating container...")
			defer cleanup()
			if err := vaultfs.CreateContainer(path, pw, int64(size), a.cfg); err != nil {
				return err
			}
			s.FinalMSG = success("Created "+color.YellowString(path)+" with a capacity of "+formatBytes(int64(size))) + "\n" +
				hint("Mount it with "+color.YellowString("vaultfs mount "+path))
			return nil
		},
	}
	cmd.Flags().VarP(&size, "size", "s", "volume capacity, e.g. 512M or 10G (default from config)")
	return cmd
}
