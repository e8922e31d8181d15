// Package vaultfs stores a whole directory tree inside one
// password-protected container file and serves it as a live filesystem.
//
// # Overview
//
// A container is a 4096-byte header followed by an encrypted payload. The
// payload holds a volume formatted by package volfs. Every layer between the
// host file and the volume is a stream:
//
//	host file → OffsetStream (skips the header) → SectorStream → volfs
//
// The Adapter exposes the volume through the handle-oriented operations a
// host filesystem driver calls, and Mount ties a container, an Adapter and
// a Binder together for the lifetime of a mount.
//
// # Basic Usage
//
//	cfg := vaultfs.DefaultConfig()
//	err := vaultfs.CreateContainer("notes.vault", []byte("password"), 1<<30, cfg)
//	if err != nil {
//	    panic(err)
//	}
//
//	c, err := vaultfs.OpenContainer("notes.vault", []byte("password"), cfg)
//	if err != nil {
//	    panic(err)
//	}
//	defer c.Close()
//
//	// Use the volume like any absfs.FileSystem
//	f, _ := c.FS().Create("/secret.txt")
//	f.WriteString("This will be encrypted on disk")
//	f.Close()
//
// Import, Export and Compact copy whole trees into, out of and between
// containers. RecoverCompaction resolves what an interrupted Compact left
// behind.
//
// # Security Considerations
//
// Protected Against:
//   - Unauthorized access to container contents at rest
//   - Offline brute-force attacks (with strong key derivation)
//   - Leakage of file names, sizes and directory structure
//
// Not Protected Against:
//   - Tampering: sectors are encrypted but not authenticated
//   - Memory dumps while a container is mounted
//   - Compromised systems with keyloggers or malware
//   - Observation of which sectors change between two snapshots
//
// # Key Derivation
//
// The password never encrypts data directly. A random 64-byte master key
// is generated per container and wrapped with AES-256-CBC under a key
// derived from the password with PBKDF2. A second, cheaper PBKDF2 digest
// is stored as a verifier so a wrong password is rejected quickly.
//
// # File Format
//
// The header has the following layout:
//   - Wrapped key (96 bytes): salt (16) followed by the CBC ciphertext (80)
//   - Verifier (64 bytes): salt (32) followed by the digest (32)
//   - Padding (3936 bytes): random
//
// The payload is split into sectors, 512 bytes by default. Each sector is
// encrypted with AES-256 in XEX mode under a tweak derived from its index,
// so any sector can be read or rewritten on its own.
//
// # Performance
//
// Multi-sector reads and writes are split across a worker pool when
// ParallelConfig allows it. Containers grow lazily: the payload only
// extends as far as the highest block the volume has written.
package vaultfs
