package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// MountState is the lifecycle state of a Mount
type MountState int

const (
	MountUnmounted MountState = iota
	MountMounting
	MountMounted
	MountUnmounting
)

// String returns the string representation of the state
func (s MountState) String() string {
	switch s {
	case MountUnmounted:
		return "unmounted"
	case MountMounting:
		return "mounting"
	case MountMounted:
		return "mounted"
	case MountUnmounting:
		return "unmounting"
	default:
		return "unknown"
	}
}

// Binder exposes an adapter to the host at a mount point
type Binder interface {
	Bind(mountPoint string, a *Adapter) (Binding, error)
}

// Binding is a live host binding
type Binding interface {
	// Unbind detaches the volume from the host and waits for in-flight calls
	Unbind() error
}

// NopBinder binds nothing. The volume is reachable only through Mount.Adapter.
type NopBinder struct{}

func (NopBinder) Bind(string, *Adapter) (Binding, error) { return nopBinding{}, nil }

type nopBinding struct{}

func (nopBinding) Unbind() error { return nil }

// MountOptions configures a mount
type MountOptions struct {
	// Config is used to unlock the container; nil uses DefaultConfig
	Config *Config

	// Binder serves the adapter to the host; nil uses NopBinder
	Binder Binder

	// HandleSignals unmounts on SIGINT or SIGTERM
	HandleSignals bool

	// Metrics receives mount and adapter metrics; nil uses DefaultMetrics
	Metrics *Metrics
}

// Mount is one mounted container. It moves through
// Unmounted → Mounting → Mounted → Unmounting → Unmounted.
type Mount struct {
	mu         sync.Mutex
	state      MountState
	mountPoint string
	container  string
	ownsDir    bool // mountPoint was created by this mount

	vault   *Container
	adapter *Adapter
	binding Binding

	registry *Registry
	metrics  *Metrics
	log      zerolog.Logger

	trigger     chan struct{}
	triggerOnce sync.Once
	done        chan struct{}
	err         error
}

// State returns the current lifecycle state
func (m *Mount) State() MountState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mount) setState(s MountState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.log.Debug().Str("state", s.String()).Msg("mount state changed")
}

// MountPoint returns the directory the volume is mounted at
func (m *Mount) MountPoint() string {
	return m.mountPoint
}

// ContainerPath returns the container file path
func (m *Mount) ContainerPath() string {
	return m.container
}

// Container returns the open container, nil once unmounted
func (m *Mount) Container() *Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != MountMounted {
		return nil
	}
	return m.vault
}

// Adapter returns the adapter serving the volume
func (m *Mount) Adapter() *Adapter {
	return m.adapter
}

// Done is closed when the mount has been torn down
func (m *Mount) Done() <-chan struct{} {
	return m.done
}

// Err returns the teardown error once Done is closed
func (m *Mount) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// RequestUnmount signals the mount to tear down without waiting.
func (m *Mount) RequestUnmount() {
	m.triggerOnce.Do(func() { close(m.trigger) })
}

// Unmount tears the mount down and waits for it. Calling it again returns
// the same result.
func (m *Mount) Unmount() error {
	m.RequestUnmount()
	<-m.done
	return m.Err()
}

// mount runs the Mounting state. On failure everything created so far is
// released and the state returns to Unmounted.
func (m *Mount) mount(password []byte, opts MountOptions) (err error) {
	m.setState(MountMounting)
	defer func() {
		if err != nil {
			m.setState(MountUnmounted)
			close(m.done)
		}
	}()

	created, err := prepareMountPoint(m.mountPoint)
	if err != nil {
		return err
	}
	m.ownsDir = created
	defer func() {
		if err != nil {
			m.removeMountPoint()
		}
	}()

	ok, err := VerifyPassword(m.container, password, opts.Config)
	if err != nil {
		return err
	}
	if !ok {
		err = &AuthenticationError{Path: m.container, Message: "password rejected", Err: ErrWrongPassword}
		m.log.Warn().Err(err).Msg("failed to open container")
		return err
	}

	vault, err := OpenContainer(m.container, password, opts.Config)
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to open container")
		return err
	}

	adapter := NewAdapter(vault.FS(), WithAdapterMetrics(m.metrics))
	binding, err := opts.Binder.Bind(m.mountPoint, adapter)
	if err != nil {
		adapter.Shutdown()
		vault.Close()
		m.log.Warn().Err(err).Msg("failed to bind volume")
		return fmt.Errorf("failed to bind %s: %w", m.mountPoint, err)
	}
	if err := adapter.Mounted(m.mountPoint); err != nil {
		binding.Unbind()
		adapter.Shutdown()
		vault.Close()
		return err
	}

	m.mu.Lock()
	m.vault = vault
	m.adapter = adapter
	m.binding = binding
	m.mu.Unlock()
	m.setState(MountMounted)
	m.metrics.MountedVolumes.Inc()
	return nil
}

// wait blocks the mount goroutine until an unmount is requested, ctx is
// done or, when enabled, an interrupt arrives. Then it tears down.
func (m *Mount) wait(ctx context.Context, handleSignals bool) {
	var sigc chan os.Signal
	if handleSignals {
		sigc = make(chan os.Signal, 1)
		signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigc)
	}

	select {
	case <-m.trigger:
	case <-ctx.Done():
		m.log.Info().Msg("context done, unmounting")
	case sig := <-sigc:
		m.log.Info().Str("signal", sig.String()).Msg("interrupted, unmounting")
	}
	m.RequestUnmount()
	m.teardown()
}

// teardown runs the Unmounting state: unbind, flush and release handles,
// close the container, remove the mount point, then drop the registry entry.
func (m *Mount) teardown() {
	m.setState(MountUnmounting)

	var errs []error
	if err := m.binding.Unbind(); err != nil {
		errs = append(errs, fmt.Errorf("failed to unbind: %w", err))
	}
	if err := m.adapter.Unmounted(); err != nil {
		errs = append(errs, err)
	}
	if err := m.vault.Close(); err != nil {
		errs = append(errs, err)
	}
	m.removeMountPoint()

	err := errors.Join(errs...)
	if err != nil {
		m.log.Error().Err(err).Msg("unmount finished with errors")
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.setState(MountUnmounted)
	m.metrics.MountedVolumes.Dec()

	m.registry.remove(m)
	close(m.done)
}

// prepareMountPoint creates the mount directory, or accepts an empty one,
// and marks it hidden. created reports whether the directory is new.
func prepareMountPoint(mp string) (created bool, err error) {
	info, err := os.Stat(mp)
	switch {
	case err == nil && !info.IsDir():
		return false, fmt.Errorf("%w: %s is a file", ErrMountPointInUse, mp)
	case err == nil:
		entries, err := os.ReadDir(mp)
		if err != nil {
			return false, NewIOError("readdir", mp, err)
		}
		if len(entries) > 0 {
			return false, fmt.Errorf("%w: %s is not empty", ErrMountPointInUse, mp)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(mp, 0o700); err != nil {
			return false, NewIOError("mkdir", mp, err)
		}
		created = true
	default:
		return false, NewIOError("stat", mp, err)
	}

	if err := markHidden(mp); err != nil {
		Logger().Debug().Err(err).Str("mount_point", mp).Msg("failed to hide mount point")
	}
	return created, nil
}

// removeMountPoint deletes the mount directory if this mount created it.
// A directory the user supplied is left in place.
func (m *Mount) removeMountPoint() {
	if !m.ownsDir {
		return
	}
	if err := os.Remove(m.mountPoint); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.log.Warn().Err(err).Msg("failed to remove mount point")
	}
}

// normalizeMountPoint returns the absolute, clean form used as the registry key.
func normalizeMountPoint(mp string) (string, error) {
	if mp == "" {
		return "", NewValidationError("mountPoint", mp, "mount point cannot be empty")
	}
	abs, err := filepath.Abs(mp)
	if err != nil {
		return "", NewIOError("abs", mp, err)
	}
	return abs, nil
}
