package vaultfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/absfs/absfs"
	"github.com/absfs/memfs"
)

var testPassword = []byte("correct horse battery staple")

// testConfig keeps the KDFs cheap and the volumes small.
func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.KeyWrap.Iterations = 16
	cfg.Verifier.Iterations = 8
	cfg.VolumeSize = 8 << 20
	cfg.ImportMargin = 64 << 10
	cfg.Parallel.MinSectorsForParallel = 4
	return cfg
}

func testKey(t testing.TB) []byte {
	t.Helper()
	key, err := GenerateMasterKey()
	if err != nil {
		t.Fatalf("GenerateMasterKey() error = %v", err)
	}
	return key
}

// memFile returns an empty in-memory absfs.File.
func memFile(t testing.TB) absfs.File {
	t.Helper()
	mfs, err := memfs.NewFS()
	if err != nil {
		t.Fatalf("memfs.NewFS() error = %v", err)
	}
	f, err := mfs.OpenFile("/payload", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// newTestContainer creates a container in a temp dir and returns its path.
func newTestContainer(t testing.TB, cfg *Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data"+ContainerExtension)
	if err := CreateContainer(path, testPassword, cfg.VolumeSize, cfg); err != nil {
		t.Fatalf("CreateContainer() error = %v", err)
	}
	return path
}

func writeHostFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}
