package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/fusefs"
)

func (a *app) mountCmd() *cobra.Command {
	var (
		metricsAddr string
		binder      fusefs.Binder
	)
	cmd := &cobra.Command{
		Use:   "mount <container> [mount-point]",
		Short: "Mount a container as a live filesystem",
		Long: `Mounts a container and serves it until interrupted. The mount point
must be missing or an empty directory; it defaults to a hidden directory
next to the container, named after it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			container := args[0]
			mountPoint := defaultMountPoint(container)
			if len(args) > 1 {
				mountPoint = args[1]
			}
			pw, err := a.password(false)
			if err != nil {
				return err
			}
			defer clear(pw)

			metrics := vaultfs.NewMetrics()
			if metricsAddr != "" {
				stop, err := a.serveMetrics(metricsAddr, metrics)
				if err != nil {
					return err
				}
				defer stop()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reg := vaultfs.NewRegistry()
			s, cleanup := a.startSpinner("Mounting " + container + "...")
			m, err := reg.Mount(cmd.Context(), container, mountPoint, pw, vaultfs.MountOptions{
				Config:  a.cfg,
				Binder:  &binder,
				Metrics: metrics,
			})
			if err != nil {
				cleanup()
				return err
			}
			s.FinalMSG = success("Mounted "+color.YellowString(container)+" at "+color.YellowString(m.MountPoint())) + "\n" +
				hint("Press Ctrl+C to unmount")
			cleanup()

			select {
			case <-m.Done():
			case <-ctx.Done():
				a.log.Info().Msg("interrupted, unmounting")
				if err := a.unmountAll(reg); err != nil {
					return err
				}
			}
			if err := m.Err(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, success("Unmounted "+color.YellowString(container)))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while mounted")
	f.BoolVar(&binder.ReadOnly, "read-only", false, "mount read-only")
	f.BoolVar(&binder.AllowOther, "allow-other", false, "allow other users to access the mount")
	f.StringVar(&binder.FSName, "fs-name", "", "filesystem name shown by mount(8)")
	return cmd
}

// unmountAll unmounts every volume in reg, waiting at most the configured
// grace period. A zero grace period waits without limit.
func (a *app) unmountAll(reg *vaultfs.Registry) error {
	ctx := context.Background()
	if a.cfg.UnmountGrace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.UnmountGrace)
		defer cancel()
	}
	if err := reg.UnmountAll(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("volumes still busy after %v: %w", a.cfg.UnmountGrace, err)
		}
		return err
	}
	return nil
}

// defaultMountPoint is a hidden sibling of the container named after its label.
func defaultMountPoint(container string) string {
	return filepath.Join(filepath.Dir(container), "."+vaultfs.LabelForPath(container))
}

// serveMetrics starts an HTTP listener for m and returns a function that
// shuts it down.
func (a *app) serveMetrics(addr string, m *vaultfs.Metrics) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	a.log.Info().Str("addr", ln.Addr().String()).Msg("serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}
