package main

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
)

func (a *app) decryptCmd() *cobra.Command {
	var deleteContainer bool
	cmd := &cobra.Command{
		Use:   "decrypt <container> [directory]",
		Short: "Write the contents of a container back to a directory",
		Long: `Copies the whole volume of a container into a directory, which must
not exist or be empty. The directory defaults to the container path
without its .vault extension.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := args[0]
			dir := ""
			if len(args) > 1 {
				dir = args[1]
			} else {
				d, err := vaultfs.DirForContainerPath(container)
				if err != nil {
					return err
				}
				dir = d
			}
			pw, err := a.password(false)
			if err != nil {
				return err
			}
			defer clear(pw)

			s, cleanup := a.startSpinner("Decrypting " + container + "...")
			defer cleanup()
			err = vaultfs.Export(container, dir, pw, vaultfs.ExportOptions{
				Config:          a.cfg,
				Progress:        progress(s, "Decrypting"),
				DeleteContainer: deleteContainer,
			})
			if err != nil {
				return err
			}

			msg := success("Decrypted " + color.YellowString(container) + " into " + color.YellowString(dir))
			if deleteContainer {
				msg += "\n" + hint("The container was deleted")
			}
			s.FinalMSG = msg
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteContainer, "delete-container", false, "delete the container after a successful decrypt")
	return cmd
}
