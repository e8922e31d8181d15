// Package volfs is the filesystem stored inside a decrypted vault payload.
//
// A volume is a fixed-capacity array of blocks on a Device. Blocks 0 and 1
// hold two superblock slots that are written alternately; the newest valid
// slot points at the metadata image, a CBOR encoding of the whole directory
// tree compressed with snappy and protected by an xxhash checksum. Every
// commit writes the image to freshly allocated blocks before the superblock
// is switched, so an interrupted commit leaves the previous tree intact.
//
// File contents are extent lists. Extents starting at block 0 are holes and
// read as zeros. The device only grows as blocks are allocated, which keeps
// new containers small on the host disk.
//
// FileSystem implements absfs.FileSystem. Beyond that it keeps Windows-style
// attribute flags and creation times, and reports capacity through Usage.
package volfs
