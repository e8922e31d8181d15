package vaultfs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// EventType identifies a registry change
type EventType int

const (
	EventMounted EventType = iota
	EventUnmounted
)

// String returns the string representation of the event type
func (t EventType) String() string {
	switch t {
	case EventMounted:
		return "mounted"
	case EventUnmounted:
		return "unmounted"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after a mount appears or disappears
type Event struct {
	Type          EventType
	MountPoint    string
	ContainerPath string
}

// Registry tracks the active mounts of a process, keyed by mount point.
type Registry struct {
	mu      sync.Mutex
	mounts  map[string]*Mount
	subs    map[int]func(Event)
	nextSub int
}

// DefaultRegistry is the process-wide registry used by MountContainer.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		mounts: make(map[string]*Mount),
		subs:   make(map[int]func(Event)),
	}
}

// MountContainer mounts a container through DefaultRegistry.
func MountContainer(ctx context.Context, containerPath, mountPoint string, password []byte, opts MountOptions) (*Mount, error) {
	return DefaultRegistry.Mount(ctx, containerPath, mountPoint, password, opts)
}

// Mount unlocks the container and binds its volume at mountPoint. The
// mount lives until Unmount is called, ctx is done or, with
// HandleSignals, the process is interrupted. A failed mount leaves no
// registry entry behind and removes the mount directory only if it
// created it.
func (r *Registry) Mount(ctx context.Context, containerPath, mountPoint string, password []byte, opts MountOptions) (*Mount, error) {
	mp, err := normalizeMountPoint(mountPoint)
	if err != nil {
		return nil, err
	}
	if opts.Binder == nil {
		opts.Binder = NopBinder{}
	}
	if opts.Metrics == nil {
		opts.Metrics = DefaultMetrics()
	}

	m := &Mount{
		state:      MountUnmounted,
		mountPoint: mp,
		container:  containerPath,
		registry:   r,
		metrics:    opts.Metrics,
		log:        Logger().With().Str("mount_point", mp).Str("container", containerPath).Logger(),
		trigger:    make(chan struct{}),
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, busy := r.mounts[mp]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMountPointInUse, mp)
	}
	r.mounts[mp] = m
	r.mu.Unlock()

	if err := m.mount(password, opts); err != nil {
		r.mu.Lock()
		delete(r.mounts, mp)
		r.mu.Unlock()
		return nil, err
	}

	go m.wait(ctx, opts.HandleSignals)
	r.notify(Event{Type: EventMounted, MountPoint: mp, ContainerPath: containerPath})
	return m, nil
}

// remove drops m after its teardown and notifies subscribers.
func (r *Registry) remove(m *Mount) {
	r.mu.Lock()
	if r.mounts[m.mountPoint] == m {
		delete(r.mounts, m.mountPoint)
	}
	r.mu.Unlock()
	r.notify(Event{Type: EventUnmounted, MountPoint: m.mountPoint, ContainerPath: m.container})
}

// notify calls subscribers outside the registry lock.
func (r *Registry) notify(e Event) {
	r.mu.Lock()
	ids := make([]int, 0, len(r.subs))
	for id := range r.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, r.subs[id])
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Subscribe registers fn for mount events. The returned function cancels it.
func (r *Registry) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

// List returns the active mounts ordered by mount point
func (r *Registry) List() []*Mount {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		if m.State() == MountMounted {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mountPoint < out[j].mountPoint })
	return out
}

// Lookup returns the mount at mountPoint
func (r *Registry) Lookup(mountPoint string) (*Mount, bool) {
	mp, err := normalizeMountPoint(mountPoint)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mounts[mp]
	if !ok || m.State() != MountMounted {
		return nil, false
	}
	return m, true
}

// Unmount unmounts the volume at mountPoint and waits for it
func (r *Registry) Unmount(mountPoint string) error {
	m, ok := r.Lookup(mountPoint)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMounted, mountPoint)
	}
	return m.Unmount()
}

// UnmountAll requests every mount to unmount and waits until they are done
// or ctx expires.
func (r *Registry) UnmountAll(ctx context.Context) error {
	r.mu.Lock()
	mounts := make([]*Mount, 0, len(r.mounts))
	for _, m := range r.mounts {
		mounts = append(mounts, m)
	}
	r.mu.Unlock()

	for _, m := range mounts {
		m.RequestUnmount()
	}

	var errs []error
	for _, m := range mounts {
		select {
		case <-m.Done():
			if err := m.Err(); err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			Logger().Warn().Int("mounts", len(mounts)).Msg("grace period expired before all volumes unmounted")
			return ctx.Err()
		}
	}
	return errors.Join(errs...)
}
