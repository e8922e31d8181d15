package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
)

func (a *app) encryptCmd() *cobra.Command {
	var (
		size         sizeValue
		deleteSource bool
	)
	cmd := &cobra.Command{
		Use:   "encrypt <directory> [container]",
		Short: "Move a directory tree into a new container",
		Long: `Copies a directory tree into a new container. The container defaults
to the directory path with a .vault extension. Free space is checked
before anything is written and a failed run leaves no container behind.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := args[0]
			if err := vaultfs.ValidateSourceDirectory(dir); err != nil {
				return err
			}
			container, err := containerArg(args, dir)
			if err != nil {
				return err
			}
			pw, err := a.password(true)
			if err != nil {
				return err
			}
			defer clear(pw)

			s, cleanup := a.startSpinner("Encrypting " + dir + "...")
			defer cleanup()
			err = vaultfs.Import(dir, container, pw, vaultfs.ImportOptions{
				Size:         int64(size),
				Config:       a.cfg,
				Progress:     progress(s, "Encrypting"),
				DeleteSource: deleteSource,
			})
			if err != nil {
				return err
			}

			msg := success("Encrypted " + color.YellowString(dir) + " into " + color.YellowString(container))
			if deleteSource {
				msg += "\n" + hint("The source directory was deleted")
			}
			s.FinalMSG = msg
			return nil
		},
	}
	cmd.Flags().VarP(&size, "size", "s", "volume capacity, e.g. 512M or 10G (default from config)")
	cmd.Flags().BoolVar(&deleteSource, "delete-source", false, "delete the directory after a successful encrypt")
	return cmd
}

func containerArg(args []string, dir string) (string, error) {
	if len(args) > 1 {
		return args[1], nil
	}
	return vaultfs.ContainerPathForDir(dir)
}
