package main

import (
	"errors"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
)

func (a *app) verifyCmd() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "verify <container>",
		Short: "Check a password and, with --full, the volume inside",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			pw, err := a.password(false)
			if err != nil {
				return err
			}
			defer clear(pw)

			s, cleanup := a.startSpinner("Verifying password...")
			defer cleanup()

			ok, err := vaultfs.VerifyPassword(path, pw, a.cfg)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s: %w", path, vaultfs.ErrWrongPassword)
			}
			if !full {
				s.FinalMSG = success("Password accepted for " + color.YellowString(path))
				return nil
			}

			c, err := vaultfs.OpenContainer(path, pw, a.cfg)
			if err != nil {
				if errors.Is(err, vaultfs.ErrCorrupt) {
					return fmt.Errorf("%w\n%s", err, hint("Export what is readable with "+color.YellowString("vaultfs decrypt")))
				}
				return err
			}
			defer c.Close()
			u := c.Usage()
			s.FinalMSG = success("Volume "+color.YellowString(c.FS().Label())+" is readable") + "\n" +
				hint(fmt.Sprintf("Capacity %s, used %s, free %s", formatBytes(u.Total), formatBytes(u.Used), formatBytes(u.Free)))
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "also open the volume and report its usage")
	return cmd
}
