package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
)

func (a *app) compactCmd() *cobra.Command {
	var recoverOnly bool
	cmd := &cobra.Command{
		Use:   "compact <container>",
		Short: "Rebuild a container to reclaim space freed by deletions",
		Long: `Copies the volume into a fresh container of the same capacity and
swaps it in place. The password does not change.

With --recover, only resolves the .new and .old files an interrupted
compaction may have left next to the container.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if recoverOnly {
				action, err := vaultfs.RecoverCompaction(path)
				if err != nil {
					return err
				}
				if action == vaultfs.RecoveryNone {
					fmt.Fprintln(a.out, success("Nothing to recover"))
				} else {
					fmt.Fprintln(a.out, success("Recovered "+color.YellowString(path)+" ("+action.String()+")"))
				}
				return nil
			}

			pw, err := a.password(false)
			if err != nil {
				return err
			}
			defer clear(pw)

			before, err := os.Stat(path)
			if err != nil {
				return err
			}
			s, cleanup := a.startSpinner("Compacting " + path + "...")
			defer cleanup()
			err = vaultfs.Compact(path, pw, vaultfs.CompactOptions{
				Config:   a.cfg,
				Progress: progress(s, "Compacting"),
			})
			if err != nil {
				return err
			}
			after, err := os.Stat(path)
			if err != nil {
				return err
			}
			s.FinalMSG = success("Compacted "+color.YellowString(path)) + "\n" +
				hint("Size "+formatBytes(before.Size())+" → "+formatBytes(after.Size()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&recoverOnly, "recover", false, "only recover from an interrupted compaction")
	return cmd
}
