// Package fusefs serves a mounted vault volume to the operating system
// through FUSE.
//
// A Binder plugs into vaultfs.MountOptions. Every kernel request is
// translated into a call on the vault's Adapter, so handle reference
// counting, delete-on-close and locking follow the adapter's rules.
// Adapter statuses are reported to the kernel as errno values.
//
// FUSE is available on Linux and FreeBSD; elsewhere Bind fails with
// ErrUnsupported.
package fusefs
