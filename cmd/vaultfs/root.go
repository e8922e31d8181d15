package main

import (
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
)

// app holds the state shared by every command of one invocation.
type app struct {
	configPath   string
	passwordFile string
	verbose      bool
	debug        bool

	cfg    *vaultfs.Config
	out    io.Writer
	errOut io.Writer
	log    zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "vaultfs",
		Short: "Password-protected encrypted volumes stored as single files",
		Long: `vaultfs keeps a whole directory tree inside one encrypted container file.

A container can be mounted as a live filesystem, filled from an existing
directory (encrypt), written back out (decrypt) and compacted to reclaim
space freed by deletions.

The password is read from --password-file, the VAULTFS_PASSWORD
environment variable or an interactive prompt, in that order.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&a.configPath, "config", "c", "", "configuration file (YAML)")
	pf.StringVar(&a.passwordFile, "password-file", "", "read the password from this file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable verbose output")
	pf.BoolVarP(&a.debug, "debug", "d", false, "enable debug output")

	root.AddCommand(
		a.createCmd(),
		a.verifyCmd(),
		a.mountCmd(),
		a.encryptCmd(),
		a.decryptCmd(),
		a.compactCmd(),
		a.configCmd(),
	)
	return root
}

// setup loads the configuration and installs the console logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()

	cfg := vaultfs.DefaultConfig()
	if a.configPath != "" {
		loaded, err := vaultfs.LoadConfig(a.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	a.cfg = cfg

	level := zerolog.WarnLevel
	switch {
	case a.debug:
		level = zerolog.DebugLevel
	case a.verbose:
		level = vaultfs.ParseLevel(cfg.LogLevel)
	}
	a.log = zerolog.New(zerolog.ConsoleWriter{Out: a.errOut, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
	vaultfs.SetLogger(a.log)
	a.log.Debug().Str("config", a.configPath).Msg("configuration loaded")
	return nil
}
