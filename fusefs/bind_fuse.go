//go:build linux || freebsd

package fusefs

import (
	"fmt"
	"sync"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"github.com/rs/zerolog"

	"github.com/absfs/vaultfs"
)

// Bind mounts a at mountPoint and starts serving kernel requests.
func (b *Binder) Bind(mountPoint string, a *vaultfs.Adapter) (vaultfs.Binding, error) {
	opts := []fuse.MountOption{
		fuse.FSName(b.fsName()),
		fuse.Subtype("vaultfs"),
	}
	if b.ReadOnly {
		opts = append(opts, fuse.ReadOnly())
	}
	if b.AllowOther {
		opts = append(opts, fuse.AllowOther())
	}

	conn, err := fuse.Mount(mountPoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("fuse mount %s: %w", mountPoint, err)
	}

	log := vaultfs.Logger().With().Str("mount_point", mountPoint).Logger()
	bd := &binding{
		mountPoint: mountPoint,
		conn:       conn,
		done:       make(chan error, 1),
		log:        log,
	}
	srv := fs.New(conn, nil)
	go func() {
		err := srv.Serve(newFS(a))
		if err != nil {
			log.Error().Err(err).Msg("fuse server stopped")
		}
		bd.done <- err
	}()
	log.Debug().Msg("fuse server started")
	return bd, nil
}

type binding struct {
	mountPoint string
	conn       *fuse.Conn
	done       chan error
	log        zerolog.Logger

	once sync.Once
	err  error
}

// Unbind unmounts the volume, waits for the server to drain and closes
// the connection.
func (b *binding) Unbind() error {
	b.once.Do(func() {
		if err := fuse.Unmount(b.mountPoint); err != nil {
			b.err = fmt.Errorf("fuse unmount %s: %w", b.mountPoint, err)
			return
		}
		serveErr := <-b.done
		if err := b.conn.Close(); err != nil && serveErr == nil {
			serveErr = err
		}
		b.err = serveErr
		b.log.Debug().Msg("fuse server stopped")
	})
	return b.err
}
